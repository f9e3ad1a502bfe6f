package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetry_Success(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_FatalNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return fmt.Errorf("400 bad request")
	})
	if err == nil || err.Error() != "400 bad request" {
		t.Fatalf("expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_CredentialAndUnknownNotRetried(t *testing.T) {
	for _, e := range []error{fmt.Errorf("403 Forbidden"), fmt.Errorf("something odd happened")} {
		calls := 0
		err := Retry(context.Background(), fastPolicy(5), func(context.Context) error {
			calls++
			return e
		})
		if !errors.Is(err, e) {
			t.Errorf("%v: got %v", e, err)
		}
		if calls != 1 {
			t.Errorf("%v: expected 1 call, got %d", e, calls)
		}
	}
}

func TestRetry_RetriesThenSucceeds(t *testing.T) {
	policy := fastPolicy(5)
	var retried []int
	policy.OnRetry = func(attempt int, err error, class ErrorType) {
		retried = append(retried, attempt)
		if class != ErrorTypeNetwork {
			t.Errorf("expected network class, got %s", class)
		}
	}

	calls := 0
	err := Retry(context.Background(), policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(retried) != 2 {
		t.Errorf("expected 2 retry callbacks, got %d", len(retried))
	}
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	cause := fmt.Errorf("server returned 503")
	err := Retry(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{Attempts: 5, InitialDelay: 5 * time.Second, MaxDelay: 30 * time.Second}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	calls := 0
	err := Retry(ctx, policy, func(context.Context) error {
		calls++
		return fmt.Errorf("connection reset")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected quick return after cancel, took %v", elapsed)
	}
	if calls < 1 {
		t.Errorf("expected at least 1 call, got %d", calls)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorType
	}{
		{nil, ErrorTypeSuccess},
		{fmt.Errorf("ExpiredToken: the token has expired"), ErrorTypeCredential},
		{fmt.Errorf("unexpected status 403 Forbidden"), ErrorTypeCredential},
		{fmt.Errorf("read tcp: connection reset by peer"), ErrorTypeNetwork},
		{fmt.Errorf("copy: %w", io.ErrUnexpectedEOF), ErrorTypeNetwork},
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, ErrorTypeNetwork},
		{fmt.Errorf("SlowDown: please reduce your request rate"), ErrorTypeRetryable},
		{fmt.Errorf("server returned 503"), ErrorTypeRetryable},
		{fmt.Errorf("status 404 not found"), ErrorTypeFatal},
		{fmt.Errorf("disk quota"), ErrorTypeUnknown},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	if d := CalculateBackoff(0, time.Second, time.Minute); d != 0 {
		t.Errorf("attempt 0 should not wait, got %v", d)
	}

	for attempt := 1; attempt <= 40; attempt++ {
		d := CalculateBackoff(attempt, 100*time.Millisecond, time.Second)
		if d < 0 || d > time.Second {
			t.Errorf("attempt %d: backoff %v outside [0, 1s]", attempt, d)
		}
	}
}
