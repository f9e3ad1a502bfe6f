package ratelimit

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

// TestNewLimiterStartsFull verifies the bucket starts at full capacity.
func TestNewLimiterStartsFull(t *testing.T) {
	l := NewLimiter(100*1024, nil)
	if got := l.Available(); got < 50*1024-1 {
		t.Errorf("expected ~51200 tokens, got %.0f", got)
	}
}

// TestNewLimiterUnlimited verifies a non-positive rate disables limiting.
func TestNewLimiterUnlimited(t *testing.T) {
	for _, rate := range []int64{0, -1} {
		l := NewLimiter(rate, nil)
		if l != nil {
			t.Fatalf("NewLimiter(%d) = %v, want nil", rate, l)
		}
		if err := l.WaitN(context.Background(), 1<<30); err != nil {
			t.Errorf("nil limiter WaitN: %v", err)
		}
		if l.Rate() != 0 {
			t.Errorf("nil limiter Rate = %d", l.Rate())
		}
	}
}

// TestMinBurst verifies tiny rates still allow a normal read.
func TestMinBurst(t *testing.T) {
	l := NewLimiter(1024, nil)
	if got := l.Available(); got < minBurst-1 {
		t.Errorf("expected at least %d tokens, got %.0f", minBurst, got)
	}
}

// TestWaitNConsumesTokens verifies tokens are taken from the bucket.
func TestWaitNConsumesTokens(t *testing.T) {
	l := NewLimiter(64*1024, nil)
	before := l.Available()
	if err := l.WaitN(context.Background(), 10000); err != nil {
		t.Fatal(err)
	}
	if after := l.Available(); after > before-9000 {
		t.Errorf("tokens before %.0f after %.0f, expected ~10000 consumed", before, after)
	}
}

// TestWaitNBlocksUntilRefill verifies an empty bucket delays the caller.
func TestWaitNBlocksUntilRefill(t *testing.T) {
	l := NewLimiter(100*1024, nil)
	ctx := context.Background()
	if err := l.WaitN(ctx, int(l.maxTokens)); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.WaitN(ctx, 10*1024); err != nil {
		t.Fatal(err)
	}
	// 10 KiB at 100 KiB/s is ~100ms.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("WaitN returned after %v, expected it to wait for refill", elapsed)
	}
}

// TestWaitNRespectsContextCancellation verifies a cancelled wait returns.
func TestWaitNRespectsContextCancellation(t *testing.T) {
	l := NewLimiter(1024, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.WaitN(ctx, minBurst); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := l.WaitN(ctx, minBurst)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
}

// TestReaderLimitsThroughput verifies the wrapped reader honours the rate.
func TestReaderLimitsThroughput(t *testing.T) {
	const rate = 200 * 1024
	l := NewLimiter(rate, nil)
	data := bytes.Repeat([]byte("x"), int(l.maxTokens)+rate/4)

	start := time.Now()
	n, err := io.Copy(io.Discard, l.Reader(context.Background(), bytes.NewReader(data)))
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(data)) {
		t.Fatalf("copied %d of %d bytes", n, len(data))
	}
	// Everything beyond the initial burst needs ~250ms.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("copy finished in %v, expected throttling", elapsed)
	}
}

// TestReaderNilLimiter verifies a nil limiter returns the reader unchanged.
func TestReaderNilLimiter(t *testing.T) {
	var l *Limiter
	r := strings.NewReader("abc")
	if got := l.Reader(context.Background(), r); got != io.Reader(r) {
		t.Error("expected the original reader")
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"1024", 1024, false},
		{"500K", 500 * 1024, false},
		{"2M", 2 << 20, false},
		{"2.5m", 5 << 19, false},
		{"1G", 1 << 30, false},
		{"10MB", 10 << 20, false},
		{"10MB/s", 10 << 20, false},
		{"fast", 0, true},
		{"-1K", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseRate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRate(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
