// Package events provides the lifecycle event bus and the generic broadcast
// streams used for per-transfer progress and queue state.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/rescale-xfer/internal/constants"
)

// EventType names a lifecycle change.
type EventType string

const (
	EventTransferQueued    EventType = "transfer_queued"
	EventTransferStarted   EventType = "transfer_started"
	EventTransferProgress  EventType = "transfer_progress"
	EventTransferPaused    EventType = "transfer_paused"
	EventTransferResumed   EventType = "transfer_resumed"
	EventTransferRetrying  EventType = "transfer_retrying" // requeued after a recoverable failure
	EventTransferCompleted EventType = "transfer_completed"
	EventTransferFailed    EventType = "transfer_failed"
	EventTransferCancelled EventType = "transfer_cancelled"
	EventTransferRemoved   EventType = "transfer_removed"

	EventQueueState EventType = "queue_state"
)

// Event is anything published on an EventBus.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent carries the fields every event has.
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// TransferEvent describes a lifecycle change of one queued transfer.
type TransferEvent struct {
	BaseEvent
	TransferID string
	Priority   int
	Status     string
	Progress   float64 // 0.0 to 1.0
	Speed      float64 // bytes/sec
	Attempt    int     // retry attempt, 0 for the first run
	Error      error
}

// QueueEvent carries counters of a queue snapshot.
type QueueEvent struct {
	BaseEvent
	Running       int
	Pending       int
	MaxConcurrent int
	Paused        bool
}

// Subscription is one listener on an EventBus. Its channel is closed by
// Cancel or when the bus closes.
type Subscription struct {
	bus   *EventBus
	ch    chan Event
	types []EventType // empty means every type
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Cancel detaches the subscription and closes its channel. Safe to call more
// than once and after the bus is closed.
func (s *Subscription) Cancel() { s.bus.remove(s) }

func (s *Subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// EventBus fans events out to subscriptions without ever blocking the
// publisher. Events that do not fit a subscriber's buffer are dropped and
// counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates a bus whose subscriptions buffer up to bufferSize
// events. Non-positive sizes use the default; sizes are capped.
func NewEventBus(bufferSize int) *EventBus {
	switch {
	case bufferSize <= 0:
		bufferSize = constants.EventBusDefaultBuffer
	case bufferSize > constants.EventBusMaxBuffer:
		bufferSize = constants.EventBusMaxBuffer
	}
	return &EventBus{subs: make(map[*Subscription]struct{}), buffer: bufferSize}
}

// Subscribe listens for the given types, or for everything when none are
// given. On a closed bus the returned channel is already closed.
func (eb *EventBus) Subscribe(types ...EventType) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		s := &Subscription{bus: eb, ch: make(chan Event)}
		close(s.ch)
		return s
	}
	s := &Subscription{bus: eb, ch: make(chan Event, eb.buffer), types: slices.Clone(types)}
	eb.subs[s] = struct{}{}
	return s
}

func (eb *EventBus) remove(s *Subscription) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if _, ok := eb.subs[s]; !ok {
		return
	}
	delete(eb.subs, s)
	close(s.ch)
}

// Publish delivers event to every interested subscription.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	for s := range eb.subs {
		if !s.wants(event.Type()) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// PublishTransfer stamps ev with eventType and the current time and publishes it.
func (eb *EventBus) PublishTransfer(eventType EventType, ev TransferEvent) {
	ev.BaseEvent = BaseEvent{EventType: eventType, Time: time.Now()}
	eb.Publish(&ev)
}

// Close closes every subscription. Later publishes are ignored.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for s := range eb.subs {
		close(s.ch)
	}
	clear(eb.subs)
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full.
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}
