package events

import (
	"sync"
	"sync/atomic"

	"github.com/rescale/rescale-xfer/internal/constants"
)

// Broadcaster fans every published value out to all current subscribers.
// Each subscriber has its own buffered channel, so a slow UI never blocks the
// producer; values that do not fit are dropped for that subscriber only.
// Close still delivers the last published value to every subscriber, evicting
// its oldest buffered value if needed, so a lagging reader sees the final state.
//
// With replay enabled, a new subscriber first receives the most recent value,
// including after Close, so a late attacher still observes the terminal state.
type Broadcaster[T any] struct {
	mu         sync.Mutex
	subs       []*subscriber[T]
	bufferSize int
	replay     bool
	last       T
	hasLast    bool
	closed     bool
	dropped    atomic.Int64
}

type subscriber[T any] struct {
	ch chan T
	// missedLast is set while the most recent value did not fit in ch.
	missedLast bool
}

// NewBroadcaster creates a broadcaster. bufferSize <= 0 uses the default.
func NewBroadcaster[T any](bufferSize int, replay bool) *Broadcaster[T] {
	if bufferSize <= 0 {
		bufferSize = constants.StreamBufferSize
	}
	return &Broadcaster[T]{bufferSize: bufferSize, replay: replay}
}

// Subscribe returns a new receive channel. It is closed by Close or Unsubscribe.
func (b *Broadcaster[T]) Subscribe() <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.bufferSize)
	if b.replay && b.hasLast {
		ch <- b.last
	}
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, &subscriber[T]{ch: ch})
	return ch
}

// Unsubscribe detaches and closes ch. Unknown channels are ignored.
func (b *Broadcaster[T]) Unsubscribe(ch <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.ch == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers v to every subscriber in order. It returns false once the
// broadcaster is closed.
func (b *Broadcaster[T]) Publish(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.last = v
	b.hasLast = true
	for _, sub := range b.subs {
		select {
		case sub.ch <- v:
			sub.missedLast = false
		default:
			sub.missedLast = true
			b.dropped.Add(1)
		}
	}
	return true
}

// Close closes every subscriber channel. Later calls are no-ops.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		if sub.missedLast {
			b.deliverLast(sub)
		}
		close(sub.ch)
	}
	b.subs = nil
}

// deliverLast makes room in a full subscriber and enqueues the last value.
// Only the broadcaster sends on sub.ch, so one eviction always frees a slot.
func (b *Broadcaster[T]) deliverLast(sub *subscriber[T]) {
	select {
	case sub.ch <- b.last:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- b.last:
	default:
	}
}

// Closed reports whether Close has been called.
func (b *Broadcaster[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Last returns the most recently published value.
func (b *Broadcaster[T]) Last() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Subscribers returns the number of attached subscribers.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broadcaster[T]) Dropped() int64 {
	return b.dropped.Load()
}
