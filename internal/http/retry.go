package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// ErrorType is the retry class of a transport error.
type ErrorType int

const (
	ErrorTypeSuccess ErrorType = iota
	// ErrorTypeCredential: rejected credentials or signatures (403, expired token).
	ErrorTypeCredential
	// ErrorTypeNetwork: the connection failed or timed out.
	ErrorTypeNetwork
	// ErrorTypeRetryable: the server is overloaded or failed (5xx, throttling).
	ErrorTypeRetryable
	// ErrorTypeFatal: the request itself is wrong (400, 404).
	ErrorTypeFatal
	// ErrorTypeUnknown: nothing matched.
	ErrorTypeUnknown
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeSuccess:
		return "success"
	case ErrorTypeCredential:
		return "credential"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeRetryable:
		return "retryable"
	case ErrorTypeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Message fragments per class, matched case-insensitively against the error
// text. They cover plain HTTP, S3, Azure Blob and WebDAV responses.
var (
	credentialPatterns = []string{
		"expired", "invalid token", "expiredtoken", "403", "unauthorized",
		"authentication failed", "authenticationfailed", "invalid sas", "sas token",
		"signature not valid", "authorization failure",
	}
	networkPatterns = []string{
		"tls handshake timeout", "connection reset", "i/o timeout", "eof",
		"connection refused", "broken pipe", "no such host", "timeout",
	}
	retryablePatterns = []string{
		"requesttimeout", "internalerror", "serviceunavailable", "slowdown", "throttl",
		"429", "500", "502", "503", "504", "server busy", "serverbusy",
		"operationtimeout", "operation timeout", "service unavailable",
	}
	fatalPatterns = []string{"400", "404", "invalid"}
)

// ClassifyError determines the retry class of err. Typed network errors are
// recognised first; everything else is matched by message.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeSuccess
	}

	var opErr *net.OpError
	var netErr net.Error
	if errors.As(err, &opErr) || errors.Is(err, io.ErrUnexpectedEOF) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return ErrorTypeNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, credentialPatterns):
		return ErrorTypeCredential
	case containsAny(msg, networkPatterns):
		return ErrorTypeNetwork
	case containsAny(msg, retryablePatterns):
		return ErrorTypeRetryable
	case containsAny(msg, fatalPatterns):
		return ErrorTypeFatal
	}
	return ErrorTypeUnknown
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// CalculateBackoff returns a full-jitter exponential delay:
// random(0, min(maxDelay, initialDelay * 2^attempt)). Attempt 0 is immediate.
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || initialDelay <= 0 {
		return 0
	}
	ceiling := initialDelay
	for i := 0; i < attempt && ceiling < maxDelay; i++ {
		ceiling *= 2
	}
	ceiling = min(ceiling, maxDelay)
	if ceiling <= 0 {
		return 0
	}
	return rand.N(ceiling)
}

// RetryPolicy configures Retry.
type RetryPolicy struct {
	// Attempts is the total number of calls, including the first.
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// OnRetry, when set, runs before each repeated call.
	OnRetry func(attempt int, err error, class ErrorType)
}

// DefaultRetryPolicy suits short metadata calls such as stat and mkdir.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:     4,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Retry calls op until it succeeds, fails with an error that is not network
// or server related, runs out of attempts, or ctx ends. Credential, fatal and
// unknown errors are returned at once.
func Retry(ctx context.Context, policy RetryPolicy, op func(context.Context) error) error {
	attempts := max(policy.Attempts, 1)
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(attempt, policy.InitialDelay, policy.MaxDelay)
			if err := sleepContext(ctx, delay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		class := ClassifyError(lastErr)
		switch class {
		case ErrorTypeSuccess:
			return nil
		case ErrorTypeNetwork, ErrorTypeRetryable:
			if attempt+1 < attempts && policy.OnRetry != nil {
				policy.OnRetry(attempt+1, lastErr, class)
			}
		default:
			return lastErr
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
