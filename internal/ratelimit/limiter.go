// Package ratelimit caps transfer bandwidth with a token bucket measured in
// bytes. One Limiter is shared by every transfer of an engine, so the cap
// applies to the sum of all streams.
package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rescale/rescale-xfer/internal/logging"
)

const (
	// burstWindow is how much traffic, in seconds at the configured rate,
	// may pass without waiting after an idle period.
	burstWindow = 0.5

	// minBurst keeps very low limits usable with normal read sizes.
	minBurst = 16 * 1024

	// maxChunk bounds a single limited read so streams interleave smoothly.
	maxChunk = 64 * 1024

	// warnAfter is the wait after which a throttled transfer is logged.
	warnAfter = 2 * time.Second
)

// Limiter implements a token bucket where one token is one byte.
// A nil *Limiter is valid and never waits.
type Limiter struct {
	tokens       float64   // bytes currently available
	maxTokens    float64   // bucket capacity
	refillRate   float64   // bytes added per second
	lastRefill   time.Time // last time tokens were refilled
	lastWarnTime time.Time // last throttling warning
	logger       *logging.Logger
	mu           sync.Mutex
}

// NewLimiter returns a limiter for bytesPerSecond, or nil when the rate is
// not positive (unlimited).
func NewLimiter(bytesPerSecond int64, logger *logging.Logger) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	if logger == nil {
		logger = logging.Nop()
	}
	burst := max(float64(bytesPerSecond)*burstWindow, minBurst)
	return &Limiter{
		tokens:     burst,
		maxTokens:  burst,
		refillRate: float64(bytesPerSecond),
		lastRefill: time.Now(),
		logger:     logger,
	}
}

// Rate returns the configured bytes per second, 0 for unlimited.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.refillRate)
}

// chunk is the largest request WaitN can satisfy without exceeding capacity.
func (l *Limiter) chunk() int {
	return int(min(l.maxTokens, maxChunk))
}

// WaitN blocks until n bytes may pass or ctx is cancelled. n is clamped to
// the bucket capacity.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	need := min(float64(n), l.maxTokens)
	start := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := l.reserve(need)
		if wait == 0 {
			if waited := time.Since(start); waited > warnAfter {
				l.warn(waited)
			}
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// reserve takes need tokens and returns 0, or returns how long until they
// would be available.
func (l *Limiter) reserve(need float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.tokens = min(l.tokens+now.Sub(l.lastRefill).Seconds()*l.refillRate, l.maxTokens)
	l.lastRefill = now

	if l.tokens >= need {
		l.tokens -= need
		return 0
	}
	return time.Duration((need - l.tokens) / l.refillRate * float64(time.Second))
}

func (l *Limiter) warn(waited time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastWarnTime) < 10*time.Second {
		return
	}
	l.lastWarnTime = time.Now()
	l.logger.Debug().Dur("waited", waited).Int64("bytes_per_sec", int64(l.refillRate)).Msg("bandwidth limited")
}

// Available returns the current number of tokens (for tests).
func (l *Limiter) Available() float64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tokens := l.tokens + time.Since(l.lastRefill).Seconds()*l.refillRate
	return min(tokens, l.maxTokens)
}

// Reader wraps r so every read waits for bandwidth. A nil limiter returns r.
func (l *Limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if l == nil {
		return r
	}
	return &limitedReader{ctx: ctx, r: r, l: l}
}

type limitedReader struct {
	ctx context.Context
	r   io.Reader
	l   *Limiter
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if len(p) > lr.l.chunk() {
		p = p[:lr.l.chunk()]
	}
	if err := lr.l.WaitN(lr.ctx, len(p)); err != nil {
		return 0, err
	}
	return lr.r.Read(p)
}
