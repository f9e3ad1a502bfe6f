package keymutex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynchronizedSerializesSameKey(t *testing.T) {
	m := New()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Synchronized(context.Background(), "https://example.com/a", func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.False(t, m.Held("https://example.com/a"))
}

func TestDistinctKeysDoNotContend(t *testing.T) {
	m := New()
	require.NoError(t, m.Acquire(context.Background(), "a"))
	defer m.Release("a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Acquire(ctx, "b"))
	m.Release("b")
}

func TestSynchronizedReleasesOnError(t *testing.T) {
	m := New()
	boom := errors.New("boom")
	err := m.Synchronized(context.Background(), "k", func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, m.Held("k"))
}

func TestSynchronizedReleasesOnPanic(t *testing.T) {
	m := New()
	func() {
		defer func() { _ = recover() }()
		_ = m.Synchronized(context.Background(), "k", func() error { panic("executor blew up") })
	}()
	assert.False(t, m.Held("k"))
}

func TestAcquireHonoursContext(t *testing.T) {
	m := New()
	require.NoError(t, m.Acquire(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.Release("k")
	assert.False(t, m.Held("k"), "timed-out waiter must not inherit the key")
}

func TestReleaseWakesWaitersInOrder(t *testing.T) {
	m := New()
	require.NoError(t, m.Acquire(context.Background(), "k"))

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, m.Acquire(context.Background(), "k"))
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			m.Release("k")
		}(i)
		// Give each waiter time to enqueue before the next one arrives.
		time.Sleep(10 * time.Millisecond)
	}

	m.Release("k")
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestSlotsDroppedWhenIdle(t *testing.T) {
	m := New()
	require.NoError(t, m.Acquire(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Acquire(ctx, "k"))

	m.Release("k")
	m.Release("k")
	assert.Empty(t, m.slots, "no slot should outlive its last holder or waiter")

	require.NoError(t, m.Acquire(context.Background(), "k"))
	assert.True(t, m.Held("k"))
	m.Release("k")
	assert.Empty(t, m.slots)
}
