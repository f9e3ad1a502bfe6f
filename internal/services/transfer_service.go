package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"sort"
	"sync"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/controller"
	"github.com/rescale/rescale-xfer/internal/engine"
	"github.com/rescale/rescale-xfer/internal/events"
	"github.com/rescale/rescale-xfer/internal/logging"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

// ErrWrongDirection is returned when a task is added to the queue of the
// other direction.
var ErrWrongDirection = errors.New("transfer direction does not match queue")

// transferService is the engine shared by DownloadQueue and UploadQueue.
// It owns a transfer.Queue keyed by URL, executes items through a Transport
// and keeps the latest raw engine update of every active key.
type transferService struct {
	transport Transport
	direction engine.Direction
	queue     *transfer.Queue[engine.Task]
	logger    *logging.Logger

	mu     sync.RWMutex
	latest map[string]engine.Update
	active *events.Broadcaster[map[string]transfer.Progress]
}

func newTransferService(t Transport, dir engine.Direction, opts transfer.Options) (*transferService, error) {
	if t == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	opts.Logger = opts.Logger.Component(string(dir) + "s")

	s := &transferService{
		transport: t,
		direction: dir,
		logger:    opts.Logger,
		latest:    make(map[string]engine.Update),
		active:    events.NewBroadcaster[map[string]transfer.Progress](0, true),
	}
	q, err := transfer.NewQueue(s.execute, opts)
	if err != nil {
		return nil, err
	}
	s.queue = q
	s.active.Publish(map[string]transfer.Progress{})
	return s, nil
}

// Queue exposes the underlying scheduler for priority and state operations.
func (s *transferService) Queue() *transfer.Queue[engine.Task] { return s.queue }

// AddTask queues task keyed by its URL. Adding a URL that is already tracked
// returns the existing item.
func (s *transferService) AddTask(task engine.Task, opts ...transfer.AddOption) (*transfer.Item[engine.Task], error) {
	if task.Direction == "" {
		task.Direction = s.direction
	}
	if task.Direction != s.direction {
		return nil, fmt.Errorf("%w: %s task on %s queue", ErrWrongDirection, task.Direction, s.direction)
	}
	if task.URL == "" || task.LocalPath == "" {
		return nil, fmt.Errorf("%w: URL and local path are required", engine.ErrInvalidTask)
	}
	opts = append(opts, transfer.WithID(task.Key()))
	if task.Metadata != nil {
		opts = append([]transfer.AddOption{transfer.WithMetadata(task.Metadata)}, opts...)
	}
	return s.queue.Add(task.Clone(), opts...)
}

// AddRequests queues a batch. Requests for the other direction are rejected
// before anything is added.
func (s *transferService) AddRequests(reqs []TransferRequest) ([]*transfer.Item[engine.Task], error) {
	entries := make([]transfer.Entry[engine.Task], 0, len(reqs))
	for _, r := range reqs {
		dir := r.Direction
		if dir == "" {
			dir = s.direction
		}
		if dir != s.direction {
			return nil, fmt.Errorf("%w: %s", ErrWrongDirection, r.URL)
		}
		if r.URL == "" || r.LocalPath == "" {
			return nil, fmt.Errorf("%w: URL and local path are required", engine.ErrInvalidTask)
		}
		task := engine.Task{URL: r.URL, LocalPath: r.LocalPath, Direction: dir, Headers: r.Headers, Metadata: r.Metadata}
		opts := []transfer.AddOption{transfer.WithPriority(r.Priority), transfer.WithID(task.Key())}
		if r.Metadata != nil {
			opts = append(opts, transfer.WithMetadata(r.Metadata))
		}
		entries = append(entries, transfer.Entry[engine.Task]{Task: task.Clone(), Options: opts})
	}
	return s.queue.AddAll(entries)
}

// execute is the queue executor. It enqueues through the transport and turns
// each of the four outcomes into a progress stream.
func (s *transferService) execute(ctx context.Context, item *transfer.Item[engine.Task]) (<-chan transfer.Progress, error) {
	task := item.Task()
	key := task.Key()

	res, err := s.transport.Enqueue(ctx, task)
	if err != nil {
		return nil, err
	}

	switch r := res.(type) {
	case controller.Cached:
		s.logger.Debug().Str("key", key).Str("path", r.LocalPath).Msg("already transferred, using cached result")
		return cachedStream(task, r.LocalPath), nil
	case controller.InProgress:
		s.logger.Debug().Str("key", key).Msg("attaching to transfer in progress")
		return s.follow(ctx, key, r.Stream, false), nil
	case controller.Started:
		return s.follow(ctx, key, r.Stream, true), nil
	case controller.Pending:
		s.logger.Debug().Str("key", key).Msg("transfer reserved, waiting for release")
		return s.follow(ctx, key, r.Stream, true), nil
	default:
		return nil, fmt.Errorf("unexpected enqueue result %T", res)
	}
}

func cachedStream(task engine.Task, path string) <-chan transfer.Progress {
	size := transfer.UnknownSize
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	p := transfer.CompletedProgress(path, size)
	p.RemoteURL = task.URL
	p.Metadata = map[string]any{"cached": true}

	out := make(chan transfer.Progress, 1)
	out <- p
	close(out)
	return out
}

// follow relays a controller stream into a queue progress stream. owner is
// true for the caller that started the work; only the owner cancels the
// transport when its item is cancelled.
func (s *transferService) follow(ctx context.Context, key string, stream *controller.Stream, owner bool) <-chan transfer.Progress {
	out := make(chan transfer.Progress, constants.StreamBufferSize)
	sub := stream.Subscribe()

	go func() {
		defer close(out)
		defer stream.Unsubscribe(sub)

		stop := func() {
			if owner {
				s.transport.Cancel(key)
			}
		}
		send := func(u engine.Update) bool {
			s.record(key, u)
			select {
			case out <- u.Progress:
				return true
			case <-ctx.Done():
				stop()
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case u, ok := <-sub:
				if !ok {
					// The subscriber buffer may have dropped the terminal update.
					if last, ok := stream.Last(); ok && last.Progress.IsTerminal() {
						send(last)
					}
					return
				}
				if !send(u) || u.Progress.IsTerminal() {
					return
				}
			}
		}
	}()
	return out
}

func (s *transferService) record(key string, u engine.Update) {
	s.mu.Lock()
	if u.Progress.IsTerminal() {
		delete(s.latest, key)
	} else {
		s.latest[key] = u
	}
	snap := make(map[string]transfer.Progress, len(s.latest))
	for k, v := range s.latest {
		snap[k] = v.Progress
	}
	s.mu.Unlock()

	s.active.Publish(snap)
}

// Latest returns the most recent raw engine update for an active key.
func (s *transferService) Latest(key string) (engine.Update, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.latest[key]
	return u, ok
}

// Active returns the latest progress of every active key.
func (s *transferService) Active() map[string]transfer.Progress {
	snap, _ := s.active.Last()
	return maps.Clone(snap)
}

// SubscribeActive streams the progress map of all active keys after every
// change, starting with the current one.
func (s *transferService) SubscribeActive() <-chan map[string]transfer.Progress {
	return s.active.Subscribe()
}

func (s *transferService) UnsubscribeActive(ch <-chan map[string]transfer.Progress) {
	s.active.Unsubscribe(ch)
}

// Totals sums byte counts and speeds across active keys.
func (s *transferService) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := Totals{Transfers: len(s.latest)}
	for _, u := range s.latest {
		p := u.Progress
		t.BytesTransferred += p.BytesTransferred
		t.Speed += p.Speed
		if t.TotalBytes == transfer.UnknownSize {
			continue
		}
		if p.TotalBytes < 0 {
			t.TotalBytes = transfer.UnknownSize
			continue
		}
		t.TotalBytes += p.TotalBytes
	}
	return t
}

// Overall sums byte counts across every tracked item, finished ones
// included, so the figure never shrinks as transfers complete.
func (s *transferService) Overall() Totals {
	var t Totals
	for _, item := range s.queue.Items() {
		p := item.Snapshot()
		t.Transfers++
		t.BytesTransferred += p.BytesTransferred
		if p.IsTerminal() {
			if p.TotalBytes < 0 {
				continue
			}
		} else {
			t.Speed += p.Speed
		}
		if t.TotalBytes == transfer.UnknownSize {
			continue
		}
		if p.TotalBytes < 0 {
			t.TotalBytes = transfer.UnknownSize
			continue
		}
		t.TotalBytes += p.TotalBytes
	}
	return t
}

// Stats counts every tracked item by status.
func (s *transferService) Stats() Stats {
	var st Stats
	for _, item := range s.queue.Items() {
		switch item.Status() {
		case transfer.StatusQueued:
			st.Queued++
		case transfer.StatusRunning:
			st.Running++
		case transfer.StatusPaused:
			st.Paused++
		case transfer.StatusCompleted:
			st.Completed++
		case transfer.StatusFailed:
			st.Failed++
		case transfer.StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// Get returns the item tracked for key.
func (s *transferService) Get(key string) (*transfer.Item[engine.Task], bool) {
	return s.queue.Get(key)
}

// Pause pauses the transport work for an active key.
func (s *transferService) Pause(key string) bool {
	if _, ok := s.Latest(key); !ok {
		return false
	}
	return s.transport.Pause(key)
}

// Resume resumes the transport work for an active key.
func (s *transferService) Resume(key string) bool {
	if _, ok := s.Latest(key); !ok {
		return false
	}
	return s.transport.Resume(key)
}

func (s *transferService) activeKeys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.latest))
	for k := range s.latest {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// PauseAll stops admission and pauses every active transfer. It returns the
// number of transfers the transport paused.
func (s *transferService) PauseAll() (int, error) {
	if err := s.queue.PauseAll(); err != nil {
		return 0, err
	}
	n := 0
	for _, key := range s.activeKeys() {
		if s.transport.Pause(key) {
			n++
		}
	}
	s.logger.Info().Int("paused", n).Msg("paused all transfers")
	return n, nil
}

// ResumeAll resumes every paused transfer and re-enables admission.
func (s *transferService) ResumeAll() (int, error) {
	n := 0
	for _, key := range s.activeKeys() {
		if s.transport.Resume(key) {
			n++
		}
	}
	if err := s.queue.ResumeAll(); err != nil {
		return n, err
	}
	s.logger.Info().Int("resumed", n).Msg("resumed all transfers")
	return n, nil
}

// Release starts a transfer the transport returned as pending.
func (s *transferService) Release(ctx context.Context, key string) error {
	return s.transport.Release(ctx, key)
}

// Cancel cancels the item for key. The transport work stops with it unless
// another queue item shares the key.
func (s *transferService) Cancel(key string) error {
	return s.queue.Cancel(key)
}

// CancelAll cancels every tracked item.
func (s *transferService) CancelAll() error {
	return s.queue.CancelAll()
}

// ClearCompleted drops finished items from the queue.
func (s *transferService) ClearCompleted() int {
	return s.queue.ClearFinished()
}

// Wait blocks until every tracked item has resolved or ctx ends.
func (s *transferService) Wait(ctx context.Context) error {
	for _, item := range s.queue.Items() {
		if _, err := item.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Dispose cancels everything and closes the streams.
func (s *transferService) Dispose() {
	s.queue.Dispose()
	s.active.Close()
}
