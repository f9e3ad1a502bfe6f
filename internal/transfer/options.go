package transfer

import (
	"maps"
	"time"

	"github.com/rescale/rescale-xfer/internal/config"
	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/events"
	"github.com/rescale/rescale-xfer/internal/logging"
)

// Options configures a Queue.
type Options struct {
	// MaxConcurrent bounds the number of running items. Must be > 0.
	MaxConcurrent int

	// AutoStart admits work as soon as it is added. When false nothing runs
	// until Start is called.
	AutoStart bool

	// AutoRetry requeues failed runs up to MaxRetries times.
	AutoRetry  bool
	MaxRetries int

	// RetryDelay is the backoff base between automatic retries, capped at
	// MaxRetryDelay. Zero requeues immediately.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// RetryPolicy decides whether a failure may be retried automatically.
	// Nil retries recoverable failures only.
	RetryPolicy func(Failure) bool

	// Logger receives lifecycle logs. Nil discards them.
	Logger *logging.Logger

	// EventBus, when set, receives a TransferEvent per lifecycle change.
	EventBus *events.EventBus
}

// DefaultOptions returns the options used by the CLI when no config is present.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: constants.DefaultMaxConcurrent,
		AutoStart:     true,
		AutoRetry:     true,
		MaxRetries:    constants.DefaultMaxRetries,
		RetryDelay:    constants.DefaultRetryDelay,
		MaxRetryDelay: constants.DefaultMaxRetryDelay,
	}
}

// OptionsFromConfig maps the [queue] config section onto queue options.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		MaxConcurrent: cfg.MaxConcurrent,
		AutoStart:     cfg.AutoStart,
		AutoRetry:     cfg.AutoRetry,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		MaxRetryDelay: cfg.MaxRetryDelay,
	}
}

// RetryRecoverable is the default RetryPolicy.
func RetryRecoverable(f Failure) bool { return f.Recoverable }

// RetryAlways retries every failure regardless of its recoverable flag.
func RetryAlways(Failure) bool { return true }

type addSettings struct {
	id       string
	priority Priority
	metadata map[string]any
}

// AddOption customises a single Add call.
type AddOption func(*addSettings)

// WithID sets the item id. Adding an id that is already tracked returns the
// existing item.
func WithID(id string) AddOption {
	return func(s *addSettings) { s.id = id }
}

// WithPriority sets the scheduling priority (default normal).
func WithPriority(p Priority) AddOption {
	return func(s *addSettings) { s.priority = p }
}

// WithMetadata attaches opaque metadata. The queue never reads it.
func WithMetadata(m map[string]any) AddOption {
	return func(s *addSettings) { s.metadata = maps.Clone(m) }
}

// Entry is one task for AddAll.
type Entry[T any] struct {
	Task    T
	Options []AddOption
}
