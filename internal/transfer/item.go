package transfer

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/rescale/rescale-xfer/internal/cancel"
	"github.com/rescale/rescale-xfer/internal/events"
)

// Item is one transfer tracked by a Queue. It wraps the caller's task payload
// and owns a cancellation token, a completion signal resolved exactly once
// and a progress stream closed exactly once.
//
// Items are mutated only by their Queue; everything exported is read-only.
type Item[T any] struct {
	id        string
	task      T
	createdAt time.Time
	metadata  map[string]any
	seq       uint64

	mu        sync.RWMutex
	priority  Priority
	status    Status
	progress  float64
	snapshot  Progress
	errMsg    string
	position  int
	attempt   int
	startedAt time.Time
	result    Result
	// held is set by PauseAll and cleared by ResumeAll. While set, executor
	// events reporting running do not lift the pause.
	held bool

	token  *cancel.Token
	stream *events.Broadcaster[Progress]
	done   chan struct{}
}

func newItem[T any](id string, task T, priority Priority, metadata map[string]any) *Item[T] {
	return &Item[T]{
		id:        id,
		task:      task,
		createdAt: time.Now(),
		metadata:  maps.Clone(metadata),
		priority:  priority,
		status:    StatusQueued,
		snapshot:  Progress{TotalBytes: UnknownSize, Status: StatusQueued, Timestamp: time.Now()},
		position:  -1,
		token:     cancel.New(),
		stream:    events.NewBroadcaster[Progress](0, true),
		done:      make(chan struct{}),
	}
}

// ID returns the stable identifier of the transfer.
func (it *Item[T]) ID() string { return it.id }

// Task returns the payload the transfer was added with.
func (it *Item[T]) Task() T { return it.task }

// CreatedAt returns when the item was added.
func (it *Item[T]) CreatedAt() time.Time { return it.createdAt }

// Metadata returns a copy of the opaque metadata map.
func (it *Item[T]) Metadata() map[string]any { return maps.Clone(it.metadata) }

// Token returns the item's cancellation token. Executors should watch it,
// typically through Token().Context().
func (it *Item[T]) Token() *cancel.Token { return it.token }

func (it *Item[T]) Priority() Priority {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.priority
}

func (it *Item[T]) Status() Status {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.status
}

// Progress returns the completed fraction in [0, 1].
func (it *Item[T]) Progress() float64 {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.progress
}

// Snapshot returns the most recent progress event.
func (it *Item[T]) Snapshot() Progress {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.snapshot
}

// ErrorMessage returns the message of the last failure, including failures
// that were retried.
func (it *Item[T]) ErrorMessage() string {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.errMsg
}

// Err returns the terminal Failure, or nil if the item did not fail.
func (it *Item[T]) Err() error {
	it.mu.RLock()
	defer it.mu.RUnlock()
	if f, ok := it.result.(Failure); ok {
		return f
	}
	return nil
}

// QueuePosition returns 0 while running, 1-based position while pending and
// -1 when the item is in neither list.
func (it *Item[T]) QueuePosition() int {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.position
}

// Attempt returns how many times the item has been admitted to run.
func (it *Item[T]) Attempt() int {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.attempt
}

// Done is closed once the item reaches a terminal state.
func (it *Item[T]) Done() <-chan struct{} { return it.done }

// Result returns the terminal result, if any.
func (it *Item[T]) Result() (Result, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.result, it.result != nil
}

// Wait blocks until the item resolves or ctx ends.
func (it *Item[T]) Wait(ctx context.Context) (Result, error) {
	select {
	case <-it.done:
		r, _ := it.Result()
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe attaches to the progress stream. The latest event is replayed
// first; the channel is closed after the terminal event.
func (it *Item[T]) Subscribe() <-chan Progress { return it.stream.Subscribe() }

// Unsubscribe detaches a channel returned by Subscribe.
func (it *Item[T]) Unsubscribe(ch <-chan Progress) { it.stream.Unsubscribe(ch) }

func (it *Item[T]) resolved() bool {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.result != nil
}

func (it *Item[T]) markRunning() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.status = StatusRunning
	it.held = false
	it.position = 0
	it.attempt++
	if it.startedAt.IsZero() {
		it.startedAt = time.Now()
	}
	return it.attempt
}

// updateProgress records a non-terminal event and re-emits it. It reports
// whether the item status changed.
func (it *Item[T]) updateProgress(p Progress) bool {
	it.mu.Lock()
	if it.result != nil {
		it.mu.Unlock()
		return false
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	if it.held && p.Status == StatusRunning {
		p.Status = StatusPaused
	}
	it.snapshot = p
	it.progress = p.Fraction()
	changed := false
	if (p.Status == StatusRunning || p.Status == StatusPaused) && it.status != p.Status {
		it.status = p.Status
		changed = true
	}
	it.mu.Unlock()

	it.stream.Publish(p)
	return changed
}

// hold flags a running item as paused until release.
func (it *Item[T]) hold() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.result != nil {
		return false
	}
	it.held = true
	if it.status == StatusPaused {
		return false
	}
	it.status = StatusPaused
	it.snapshot.Status = StatusPaused
	return true
}

// release lifts a hold. It reports whether the status went back to running.
func (it *Item[T]) release() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.held = false
	if it.result != nil || it.status != StatusPaused {
		return false
	}
	it.status = StatusRunning
	it.snapshot.Status = StatusRunning
	return true
}

func (it *Item[T]) setPriority(p Priority) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.priority = p
}

func (it *Item[T]) setPosition(pos int) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.position = pos
}

// resetForRetry puts a failed run back to queued without resolving the item.
func (it *Item[T]) resetForRetry(errMsg string) {
	it.mu.Lock()
	total := it.snapshot.TotalBytes
	it.status = StatusQueued
	it.held = false
	it.progress = 0
	it.errMsg = errMsg
	it.position = -1
	it.snapshot = Progress{TotalBytes: total, Status: StatusQueued, Timestamp: time.Now()}
	p := it.snapshot
	it.mu.Unlock()

	it.stream.Publish(p)
}

// complete resolves the item. Only the first call has any effect; final is
// emitted as the last progress event before the stream closes.
func (it *Item[T]) complete(r Result, final Progress) bool {
	it.mu.Lock()
	if it.result != nil {
		it.mu.Unlock()
		return false
	}
	it.result = r
	it.status = r.Status()
	it.position = -1

	final.Status = r.Status()
	if final.Timestamp.IsZero() {
		final.Timestamp = time.Now()
	}
	switch v := r.(type) {
	case Success:
		it.progress = 1
	case Failure:
		it.errMsg = v.Message
	}
	it.snapshot = final
	it.mu.Unlock()

	it.stream.Publish(final)
	it.stream.Close()
	close(it.done)
	return true
}

func (it *Item[T]) markCompleted(s Success, final Progress) bool {
	return it.complete(s, final)
}

func (it *Item[T]) markFailed(f Failure, final Progress) bool {
	if final.ErrorMessage == "" {
		final.ErrorMessage = f.Message
		final.ErrorCode = f.Code
		final.Recoverable = f.Recoverable
		final.HTTPStatus = f.HTTPStatus
	}
	return it.complete(f, final)
}

func (it *Item[T]) markCancelled(c Cancelled) bool {
	it.token.Cancel(c.Reason)
	final := CancelledProgress(c.Reason)
	final.BytesTransferred = c.BytesTransferred
	final.TotalBytes = it.Snapshot().TotalBytes
	return it.complete(c, final)
}

// dispose cancels the token and releases the stream. An unresolved item is
// resolved as cancelled with reason so no waiter blocks forever.
func (it *Item[T]) dispose(reason string) {
	it.markCancelled(Cancelled{Reason: reason, BytesTransferred: it.Snapshot().BytesTransferred})
	it.token.Cancel(reason)
	it.token.Dispose()
	it.stream.Close()
}
