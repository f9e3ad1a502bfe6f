package http

import (
	"fmt"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/rescale/rescale-xfer/internal/config"
	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/logging"
)

// retryLogger implements the retryablehttp.LeveledLogger interface on top of
// the structured logger. Info and debug chatter is logged at debug level.
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	withFields(l.logger.Error(), keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	withFields(l.logger.Debug(), keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	withFields(l.logger.Debug(), keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	withFields(l.logger.Warn(), keysAndValues).Msg(msg)
}

func withFields(ev *zerolog.Event, keysAndValues []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		ev = ev.Interface(key, keysAndValues[i+1])
	}
	return ev
}

// NewRetryableClient wraps the optimized transfer client with per-request
// retries for connection errors and 5xx/429 responses. The returned client
// does not retry once a response body has started streaming; resuming a
// partially transferred body is the caller's job.
func NewRetryableClient(cfg *config.HTTPConfig, logger *logging.Logger) (*retryablehttp.Client, error) {
	httpClient, err := CreateOptimizedClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}
	if logger == nil {
		logger = log
	}

	retryMax := constants.HTTPRetryMax
	if cfg != nil && cfg.RetryMax >= 0 {
		retryMax = cfg.RetryMax
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpClient
	retryClient.RetryMax = retryMax
	retryClient.RetryWaitMin = constants.HTTPRetryWaitMin
	retryClient.RetryWaitMax = constants.HTTPRetryWaitMax
	retryClient.Logger = &retryLogger{logger: logger.Component("retry")}
	// Hand the final response back instead of an opaque "giving up" error so
	// callers can map the HTTP status.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return retryClient, nil
}
