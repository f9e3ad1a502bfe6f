package transfer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rescale/rescale-xfer/internal/events"
	xhttp "github.com/rescale/rescale-xfer/internal/http"
	"github.com/rescale/rescale-xfer/internal/logging"
)

// Executor performs the I/O of one item and reports it as a stream of
// progress events. The stream may end with one terminal event and must be
// closed by the executor. ctx is done once the item is cancelled.
type Executor[T any] func(ctx context.Context, item *Item[T]) (<-chan Progress, error)

// Queue is a priority-ordered, concurrency-bounded transfer scheduler.
//
// Architecture:
//   - Pending items are kept in descending priority order, FIFO within a priority
//   - At most MaxConcurrent items run; every slot change re-runs admission
//   - Each running item is executed in its own goroutine; its events are
//     processed one at a time
//   - All queue state is guarded by one mutex and state snapshots are
//     published while holding it, so subscribers see mutations in order
type Queue[T any] struct {
	mu sync.Mutex

	executor Executor[T]
	opts     Options
	logger   *logging.Logger
	eventBus *events.EventBus

	items       map[string]*Item[T]
	pending     []*Item[T]
	running     map[string]*Item[T]
	retries     map[string]int
	retryTimers map[string]*time.Timer

	maxConcurrent int
	seq           uint64
	started       bool
	paused        bool
	disposed      bool

	state *events.Broadcaster[QueueState[T]]
}

// NewQueue creates a queue that runs items with executor.
func NewQueue[T any](executor Executor[T], opts Options) (*Queue[T], error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidConcurrency, opts.MaxConcurrent)
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = RetryRecoverable
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	q := &Queue[T]{
		executor:      executor,
		opts:          opts,
		logger:        logger.Component("queue"),
		eventBus:      opts.EventBus,
		items:         make(map[string]*Item[T]),
		running:       make(map[string]*Item[T]),
		retries:       make(map[string]int),
		retryTimers:   make(map[string]*time.Timer),
		maxConcurrent: opts.MaxConcurrent,
		started:       opts.AutoStart,
		state:         events.NewBroadcaster[QueueState[T]](0, true),
	}
	q.state.Publish(q.snapshotLocked())
	return q, nil
}

// Add tracks a new item. If an item with the same id is already tracked it
// is returned unchanged and task is ignored.
func (q *Queue[T]) Add(task T, opts ...AddOption) (*Item[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addLocked(task, opts)
}

// AddAll adds entries in order. It stops at the first error.
func (q *Queue[T]) AddAll(entries []Entry[T]) ([]*Item[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*Item[T], 0, len(entries))
	for _, e := range entries {
		item, err := q.addLocked(e.Task, e.Options)
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (q *Queue[T]) addLocked(task T, opts []AddOption) (*Item[T], error) {
	if q.disposed {
		return nil, ErrQueueDisposed
	}

	s := addSettings{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if existing, ok := q.items[s.id]; ok {
		return existing, nil
	}

	item := newItem(s.id, task, s.priority, s.metadata)
	q.seq++
	item.seq = q.seq
	q.items[item.id] = item
	q.insertLocked(item)
	q.updatePositionsLocked()

	q.logger.Debug().Str("id", item.id).Str("priority", item.priority.String()).Msg("Transfer queued")
	q.publishLocked(events.EventTransferQueued, item, nil)
	q.emitStateLocked()
	q.processLocked()
	return item, nil
}

// Start enables admission. Needed only when AutoStart is off.
func (q *Queue[T]) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}
	q.started = true
	q.paused = false
	q.emitStateLocked()
	q.processLocked()
	return nil
}

// Pause stops admitting new items. Running items continue.
func (q *Queue[T]) Pause() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}
	if !q.paused {
		q.paused = true
		q.emitStateLocked()
	}
	return nil
}

// PauseAll pauses admission and flags every running item as paused. The flag
// is a cooperative signal: executors decide whether to stop moving bytes, but
// the item reports paused until ResumeAll even if its executor keeps going.
func (q *Queue[T]) PauseAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}
	q.paused = true
	for _, item := range q.runningLocked() {
		if item.hold() {
			q.publishLocked(events.EventTransferPaused, item, nil)
		}
	}
	q.emitStateLocked()
	return nil
}

// ResumeAll clears the pause flag on the queue and on running items, then
// admits pending work.
func (q *Queue[T]) ResumeAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}
	q.paused = false
	for _, item := range q.runningLocked() {
		if item.release() {
			q.publishLocked(events.EventTransferResumed, item, nil)
		}
	}
	q.emitStateLocked()
	q.processLocked()
	return nil
}

// Cancel stops an item and resolves it as Cancelled. A pending item is
// resolved before Cancel returns and its executor is never invoked.
func (q *Queue[T]) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if item.resolved() {
		return fmt.Errorf("%w: %s", ErrFinished, id)
	}

	q.cancelLocked(item, "cancelled")
	q.updatePositionsLocked()
	q.emitStateLocked()
	q.processLocked()
	return nil
}

// CancelAll cancels every unresolved item.
func (q *Queue[T]) CancelAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}

	targets := slices.Clone(q.pending)
	targets = append(targets, q.runningLocked()...)
	for id := range q.retryTimers {
		targets = append(targets, q.items[id])
	}
	for _, item := range targets {
		q.cancelLocked(item, "cancelled")
	}
	q.updatePositionsLocked()
	q.emitStateLocked()
	return nil
}

func (q *Queue[T]) cancelLocked(item *Item[T], reason string) {
	q.detachLocked(item)
	delete(q.retries, item.id)
	if item.markCancelled(Cancelled{Reason: reason, BytesTransferred: item.Snapshot().BytesTransferred}) {
		q.logger.Info().Str("id", item.id).Str("reason", reason).Msg("Transfer cancelled")
		q.publishLocked(events.EventTransferCancelled, item, nil)
	}
}

// Remove detaches and disposes an item regardless of its status. An
// unresolved item resolves as Cancelled with reason "removed".
func (q *Queue[T]) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	q.detachLocked(item)
	delete(q.items, id)
	delete(q.retries, id)
	item.dispose("removed")

	q.publishLocked(events.EventTransferRemoved, item, nil)
	q.updatePositionsLocked()
	q.emitStateLocked()
	q.processLocked()
	return nil
}

// ClearFinished removes all completed, failed and cancelled items and
// returns how many were removed.
func (q *Queue[T]) ClearFinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, item := range q.items {
		if !item.Status().IsTerminal() {
			continue
		}
		delete(q.items, id)
		item.dispose("removed")
		q.publishLocked(events.EventTransferRemoved, item, nil)
		n++
	}
	if n > 0 {
		q.emitStateLocked()
	}
	return n
}

// Retry requeues a failed or cancelled item. The finished item keeps its
// result; a fresh item with the same id, task, priority and metadata is
// tracked in its place and returned.
func (q *Queue[T]) Retry(id string) (*Item[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return nil, ErrQueueDisposed
	}
	old, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s := old.Status(); s != StatusFailed && s != StatusCancelled {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, s)
	}

	item := newItem(old.id, old.task, old.Priority(), old.metadata)
	q.seq++
	item.seq = q.seq
	q.items[id] = item
	delete(q.retries, id)
	old.dispose("retried")

	q.insertLocked(item)
	q.updatePositionsLocked()
	q.logger.Info().Str("id", id).Msg("Transfer requeued by retry")
	q.publishLocked(events.EventTransferQueued, item, nil)
	q.emitStateLocked()
	q.processLocked()
	return item, nil
}

// ChangePriority moves a pending item to its place for the new priority,
// behind items that already have that priority.
func (q *Queue[T]) ChangePriority(id string, p Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if _, waiting := q.retryTimers[id]; waiting {
		item.setPriority(p)
		return nil
	}
	idx := slices.Index(q.pending, item)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotPending, id)
	}

	q.pending = slices.Delete(q.pending, idx, idx+1)
	item.setPriority(p)
	q.insertLocked(item)
	q.updatePositionsLocked()
	q.emitStateLocked()
	return nil
}

// MoveToFront raises a pending item to urgent priority.
func (q *Queue[T]) MoveToFront(id string) error {
	return q.ChangePriority(id, PriorityUrgent)
}

// Dispose cancels and disposes every item and closes the state stream. The
// queue must not be used afterwards.
func (q *Queue[T]) Dispose() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return
	}
	q.disposed = true

	for id, t := range q.retryTimers {
		t.Stop()
		delete(q.retryTimers, id)
	}
	for _, item := range q.items {
		item.dispose("disposed")
	}
	q.items = make(map[string]*Item[T])
	q.running = make(map[string]*Item[T])
	q.retries = make(map[string]int)
	q.pending = nil

	q.logger.Debug().Msg("Queue disposed")
	q.state.Close()
}

// MaxConcurrent returns the concurrency bound.
func (q *Queue[T]) MaxConcurrent() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxConcurrent
}

// SetMaxConcurrent changes the concurrency bound and admits work if slots
// opened up. Lowering it never stops running items.
func (q *Queue[T]) SetMaxConcurrent(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidConcurrency, n)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}
	q.maxConcurrent = n
	q.emitStateLocked()
	q.processLocked()
	return nil
}

func (q *Queue[T]) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

func (q *Queue[T]) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// TotalCount returns the number of tracked items, finished ones included.
func (q *Queue[T]) TotalCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Get returns the tracked item with id.
func (q *Queue[T]) Get(id string) (*Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	return item, ok
}

// Items returns every tracked item, finished ones included, in the order
// they were added.
func (q *Queue[T]) Items() []*Item[T] {
	q.mu.Lock()
	out := make([]*Item[T], 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item)
	}
	q.mu.Unlock()

	slices.SortFunc(out, func(a, b *Item[T]) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// State returns a fresh snapshot.
func (q *Queue[T]) State() QueueState[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// SubscribeState streams a snapshot after every observable change, starting
// with the current one. The channel closes on Dispose.
func (q *Queue[T]) SubscribeState() <-chan QueueState[T] {
	return q.state.Subscribe()
}

// UnsubscribeState detaches a channel returned by SubscribeState.
func (q *Queue[T]) UnsubscribeState(ch <-chan QueueState[T]) {
	q.state.Unsubscribe(ch)
}

// insertLocked places item before the first pending item with strictly
// lower priority, or at the end.
func (q *Queue[T]) insertLocked(item *Item[T]) {
	p := item.Priority()
	idx := len(q.pending)
	for i, other := range q.pending {
		if other.Priority() < p {
			idx = i
			break
		}
	}
	q.pending = slices.Insert(q.pending, idx, item)
}

func (q *Queue[T]) updatePositionsLocked() {
	for i, item := range q.pending {
		item.setPosition(i + 1)
	}
	for _, item := range q.running {
		item.setPosition(0)
	}
}

// detachLocked removes item from the pending list, the running set and any
// scheduled retry.
func (q *Queue[T]) detachLocked(item *Item[T]) {
	if idx := slices.Index(q.pending, item); idx >= 0 {
		q.pending = slices.Delete(q.pending, idx, idx+1)
	}
	if q.running[item.id] == item {
		delete(q.running, item.id)
	}
	if t, ok := q.retryTimers[item.id]; ok {
		t.Stop()
		delete(q.retryTimers, item.id)
	}
}

// runningLocked returns running items in admission order.
func (q *Queue[T]) runningLocked() []*Item[T] {
	items := make([]*Item[T], 0, len(q.running))
	for _, item := range q.running {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b *Item[T]) int {
		return a.startedAt.Compare(b.startedAt)
	})
	return items
}

// processLocked admits pending items while slots are free.
func (q *Queue[T]) processLocked() {
	if q.disposed || q.paused || !q.started {
		return
	}
	for len(q.running) < q.maxConcurrent && len(q.pending) > 0 {
		item := q.pending[0]
		q.pending = q.pending[1:]

		attempt := item.markRunning()
		q.running[item.id] = item
		q.updatePositionsLocked()

		q.logger.Debug().Str("id", item.id).Int("attempt", attempt).Msg("Transfer started")
		q.publishLocked(events.EventTransferStarted, item, nil)
		q.emitStateLocked()

		go q.execute(item, attempt)
	}
}

// ownsLocked reports whether run attempt of item still holds its running slot.
func (q *Queue[T]) ownsLocked(item *Item[T], attempt int) bool {
	return !q.disposed && q.running[item.id] == item && item.Attempt() == attempt && !item.resolved()
}

// execute consumes the executor stream of one run. It never lets a panic or
// an error escape; both become failures.
func (q *Queue[T]) execute(item *Item[T], attempt int) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("id", item.id).Interface("panic", r).Msg("Executor panicked")
			q.handleFailure(item, attempt, Failure{
				Message: fmt.Sprintf("executor panic: %v", r),
				Code:    CodeExecutor,
			}, nil)
		}
	}()

	ctx := item.token.Context()
	stream, err := q.executor(ctx, item)
	if err != nil {
		if item.token.IsCancelled() {
			q.handleCancelled(item, attempt, item.token.Reason())
			return
		}
		q.handleFailure(item, attempt, AsFailure(err), nil)
		return
	}
	if stream == nil {
		q.handleFailure(item, attempt, Failure{Message: "executor returned no progress stream", Code: CodeExecutor}, nil)
		return
	}

	for {
		select {
		case <-ctx.Done():
			go drain(stream)
			q.handleCancelled(item, attempt, item.token.Reason())
			return

		case p, ok := <-stream:
			if !ok {
				q.handleStreamEnd(item, attempt)
				return
			}
			if item.token.IsCancelled() {
				go drain(stream)
				q.handleCancelled(item, attempt, item.token.Reason())
				return
			}

			switch {
			case p.IsCompleted():
				go drain(stream)
				q.handleCompleted(item, attempt, p)
				return
			case p.IsFailed():
				go drain(stream)
				q.handleFailure(item, attempt, failureFromProgress(p), &p)
				return
			case p.IsCancelled():
				go drain(stream)
				q.handleCancelled(item, attempt, p.ErrorMessage)
				return
			}

			if !q.handleProgress(item, attempt, p) {
				go drain(stream)
				return
			}
		}
	}
}

func drain(stream <-chan Progress) {
	for range stream {
	}
}

func (q *Queue[T]) handleProgress(item *Item[T], attempt int, p Progress) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.ownsLocked(item, attempt) {
		return false
	}

	if item.updateProgress(p) {
		eventType := events.EventTransferResumed
		if p.Status == StatusPaused {
			eventType = events.EventTransferPaused
		}
		q.publishLocked(eventType, item, nil)
		q.emitStateLocked()
	}
	q.publishLocked(events.EventTransferProgress, item, nil)
	return true
}

// handleStreamEnd resolves a run whose stream closed without a terminal event.
func (q *Queue[T]) handleStreamEnd(item *Item[T], attempt int) {
	switch {
	case item.Progress() >= 1:
		snap := item.Snapshot()
		q.handleCompleted(item, attempt, CompletedProgress(snap.LocalPath, snap.BytesTransferred))
	case item.token.IsCancelled():
		q.handleCancelled(item, attempt, item.token.Reason())
	default:
		q.handleFailure(item, attempt, Failure{
			Message:          "progress stream ended before the transfer finished",
			Code:             CodeUnexpectedEnd,
			Recoverable:      true,
			BytesTransferred: item.Snapshot().BytesTransferred,
		}, nil)
	}
}

func (q *Queue[T]) handleCompleted(item *Item[T], attempt int, p Progress) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.ownsLocked(item, attempt) {
		return
	}

	delete(q.running, item.id)
	delete(q.retries, item.id)

	item.mu.RLock()
	startedAt := item.startedAt
	item.mu.RUnlock()

	if item.markCompleted(successFromProgress(p, startedAt), p) {
		q.logger.Info().Str("id", item.id).Str("path", p.LocalPath).Msg("Transfer completed")
		q.publishLocked(events.EventTransferCompleted, item, nil)
	}
	q.updatePositionsLocked()
	q.emitStateLocked()
	q.processLocked()
}

func (q *Queue[T]) handleCancelled(item *Item[T], attempt int, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.ownsLocked(item, attempt) {
		return
	}
	if reason == "" {
		reason = "cancelled"
	}

	q.cancelLocked(item, reason)
	q.updatePositionsLocked()
	q.emitStateLocked()
	q.processLocked()
}

// handleFailure either requeues the item silently or fails it for good.
func (q *Queue[T]) handleFailure(item *Item[T], attempt int, f Failure, final *Progress) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.ownsLocked(item, attempt) {
		return
	}
	delete(q.running, item.id)

	if f.BytesTransferred == 0 {
		f.BytesTransferred = item.Snapshot().BytesTransferred
	}

	if q.opts.AutoRetry && q.retries[item.id] < q.opts.MaxRetries && q.opts.RetryPolicy(f) {
		q.retries[item.id]++
		n := q.retries[item.id]
		item.resetForRetry(f.Message)

		delay := xhttp.CalculateBackoff(n, q.opts.RetryDelay, q.retryCap())
		q.logger.Warn().Str("id", item.id).Str("code", string(f.Code)).Int("retry", n).
			Dur("delay", delay).Msg("Transfer failed, retrying")
		q.publishLocked(events.EventTransferRetrying, item, f)

		if delay <= 0 {
			q.insertLocked(item)
		} else {
			q.retryTimers[item.id] = time.AfterFunc(delay, func() { q.requeue(item) })
		}
		q.updatePositionsLocked()
		q.emitStateLocked()
		q.processLocked()
		return
	}

	delete(q.retries, item.id)
	p := FailedProgress(f.Code, f.Message, f.Recoverable)
	if final != nil {
		p = *final
	}
	p.BytesTransferred = f.BytesTransferred
	if item.markFailed(f, p) {
		q.logger.Error().Str("id", item.id).Str("code", string(f.Code)).Msg(f.Message)
		q.publishLocked(events.EventTransferFailed, item, f)
	}
	q.updatePositionsLocked()
	q.emitStateLocked()
	q.processLocked()
}

func (q *Queue[T]) retryCap() time.Duration {
	if q.opts.MaxRetryDelay > 0 {
		return q.opts.MaxRetryDelay
	}
	return q.opts.RetryDelay
}

// requeue puts an item whose retry backoff elapsed back into the pending list.
func (q *Queue[T]) requeue(item *Item[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.retryTimers[item.id]; !ok {
		return
	}
	delete(q.retryTimers, item.id)
	if q.disposed || q.items[item.id] != item || item.resolved() {
		return
	}

	q.insertLocked(item)
	q.updatePositionsLocked()
	q.emitStateLocked()
	q.processLocked()
}

func (q *Queue[T]) snapshotLocked() QueueState[T] {
	running := q.runningLocked()
	var sum float64
	for _, item := range running {
		sum += item.Progress()
	}
	return QueueState[T]{
		RunningCount:    len(running),
		PendingCount:    len(q.pending),
		MaxConcurrent:   q.maxConcurrent,
		Paused:          q.paused,
		Running:         running,
		Pending:         slices.Clone(q.pending),
		Timestamp:       time.Now(),
		runningProgress: sum,
	}
}

func (q *Queue[T]) emitStateLocked() {
	s := q.snapshotLocked()
	q.state.Publish(s)
	if q.eventBus != nil {
		q.eventBus.Publish(&events.QueueEvent{
			BaseEvent:     events.BaseEvent{EventType: events.EventQueueState, Time: s.Timestamp},
			Running:       s.RunningCount,
			Pending:       s.PendingCount,
			MaxConcurrent: s.MaxConcurrent,
			Paused:        s.Paused,
		})
	}
}

func (q *Queue[T]) publishLocked(eventType events.EventType, item *Item[T], err error) {
	if q.eventBus == nil {
		return
	}
	snap := item.Snapshot()
	q.eventBus.PublishTransfer(eventType, events.TransferEvent{
		TransferID: item.id,
		Priority:   int(item.Priority()),
		Status:     string(item.Status()),
		Progress:   item.Progress(),
		Speed:      snap.Speed,
		Attempt:    q.retries[item.id],
		Error:      err,
	})
}
