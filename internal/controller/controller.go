// Package controller is the cache-coalescing front of the transfer engine.
// It guarantees at most one transport operation per key at a time: Enqueue
// checks the completed-path cache, then the active transfers, and only then
// asks the engine to start work, all under a per-key mutex.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/engine"
	"github.com/rescale/rescale-xfer/internal/events"
	"github.com/rescale/rescale-xfer/internal/keymutex"
	"github.com/rescale/rescale-xfer/internal/logging"
	"github.com/rescale/rescale-xfer/internal/store"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

var (
	ErrShutdown  = errors.New("transfer controller is shut down")
	ErrNotActive = errors.New("no active transfer for key")
)

// Options configures a Controller.
type Options struct {
	// AutoStart starts transport work inside Enqueue. When false Enqueue
	// returns Pending and the caller starts the key with Release.
	AutoStart bool

	// RecordAge bounds how long unfinished store records survive a restart.
	// Zero uses store.MaxRecordAge.
	RecordAge time.Duration

	Logger *logging.Logger
}

func DefaultOptions() Options {
	return Options{AutoStart: true}
}

type activeTransfer struct {
	task    engine.Task
	stream  *Stream
	started bool
	last    engine.Update
	status  transfer.Status
}

// Controller owns the completed-path cache, the active transfers and the
// engine listener. Create one per process with New and stop it with Shutdown.
type Controller struct {
	engine engine.Engine
	store  store.Store
	opts   Options
	log    *logging.Logger
	keys   *keymutex.Mutex

	mu         sync.RWMutex
	completed  map[string]string
	active     map[string]*activeTransfer
	processing map[string]struct{}
	closed     bool

	listenerDone chan struct{}
	shutdownOnce sync.Once
}

// New creates a controller over eng and starts listening for its updates.
// Completed records in st whose local file still exists warm the cache. A nil
// store keeps records in memory.
func New(eng engine.Engine, st store.Store, opts Options) (*Controller, error) {
	if eng == nil {
		return nil, errors.New("controller requires an engine")
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	logger := opts.Logger.Component("controller")
	if opts.RecordAge <= 0 {
		opts.RecordAge = store.MaxRecordAge
	}

	c := &Controller{
		engine:       eng,
		store:        st,
		opts:         opts,
		log:          logger,
		keys:         keymutex.New(),
		completed:    make(map[string]string),
		active:       make(map[string]*activeTransfer),
		processing:   make(map[string]struct{}),
		listenerDone: make(chan struct{}),
	}
	if err := c.warm(); err != nil {
		return nil, err
	}

	go c.listen()
	return c, nil
}

func (c *Controller) warm() error {
	pruned, err := store.Prune(c.store, c.opts.RecordAge)
	if err != nil {
		return fmt.Errorf("failed to prune transfer records: %w", err)
	}
	records, err := c.store.List()
	if err != nil {
		return fmt.Errorf("failed to load transfer records: %w", err)
	}

	warmed := 0
	for _, rec := range records {
		if rec.Status != transfer.StatusCompleted || !fileExists(rec.LocalPath) {
			continue
		}
		c.completed[rec.Key] = rec.LocalPath
		warmed++
	}
	c.log.Debug().Int("cached", warmed).Int("pruned", pruned).Msg("completed-path cache loaded")
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Enqueue decides, under the per-key mutex, whether task needs transport work.
// Exactly one concurrent caller per key gets Started (or Pending); the others
// get InProgress with the same stream, or Cached once it has completed.
func (c *Controller) Enqueue(ctx context.Context, task engine.Task) (EnqueueResult, error) {
	key := task.Key()
	if key == "" {
		return nil, fmt.Errorf("%w: empty URL", engine.ErrInvalidTask)
	}
	if c.isClosed() {
		return nil, ErrShutdown
	}
	task = task.Clone()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	var result EnqueueResult
	err := c.keys.Synchronized(ctx, key, func() error {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrShutdown
		}
		c.processing[key] = struct{}{}
		// Every branch below releases c.mu before returning.
		defer func() {
			c.mu.Lock()
			delete(c.processing, key)
			c.mu.Unlock()
		}()

		if path, ok := c.completed[key]; ok {
			if fileExists(path) {
				c.mu.Unlock()
				result = Cached{Key: key, LocalPath: path}
				return nil
			}
			delete(c.completed, key)
			c.log.Debug().Str("key", key).Str("path", path).Msg("cached file is gone, transferring again")
		}

		if at, ok := c.active[key]; ok {
			c.mu.Unlock()
			result = InProgress{Key: key, Task: at.task, Stream: at.stream}
			return nil
		}

		at := &activeTransfer{
			task:   task,
			stream: events.NewBroadcaster[engine.Update](constants.StreamBufferSize, true),
			status: transfer.StatusQueued,
		}
		c.active[key] = at
		c.mu.Unlock()

		c.persist(at.task, transfer.Progress{Status: transfer.StatusQueued, TotalBytes: transfer.UnknownSize})

		if !c.opts.AutoStart {
			result = Pending{Key: key, Task: at.task, Stream: at.stream}
			return nil
		}
		if err := c.start(ctx, key, at); err != nil {
			return err
		}
		result = Started{Key: key, Task: at.task, Stream: at.stream}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// start asks the engine to begin at. On failure the key is released so the
// next Enqueue can try again.
func (c *Controller) start(ctx context.Context, key string, at *activeTransfer) error {
	c.mu.Lock()
	at.started = true
	c.mu.Unlock()

	if err := c.engine.Start(ctx, at.task); err != nil {
		c.mu.Lock()
		if c.active[key] == at {
			delete(c.active, key)
		}
		c.mu.Unlock()

		f := transfer.AsFailure(err)
		p := transfer.FailedProgress(f.Code, f.Message, f.Recoverable)
		at.stream.Publish(engine.Update{Task: at.task, Progress: p})
		at.stream.Close()
		c.persist(at.task, p)
		c.log.Warn().Err(err).Str("key", key).Msg("failed to start transfer")
		return fmt.Errorf("failed to start %s: %w", key, err)
	}
	c.log.Debug().Str("key", key).Str("task", at.task.ID).Msg("transfer started")
	return nil
}

// Release starts a transfer that Enqueue returned as Pending. Releasing a key
// that is already running is a no-op.
func (c *Controller) Release(ctx context.Context, key string) error {
	return c.keys.Synchronized(ctx, key, func() error {
		c.mu.RLock()
		at, ok := c.active[key]
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return ErrShutdown
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotActive, key)
		}
		if at.started {
			return nil
		}
		return c.start(ctx, key, at)
	})
}

func (c *Controller) lookup(key string) (*activeTransfer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	at, ok := c.active[key]
	return at, ok
}

// Pause asks the engine to pause the transfer for key.
func (c *Controller) Pause(key string) bool {
	at, ok := c.lookup(key)
	if !ok || !at.started {
		return false
	}
	return c.engine.Pause(at.task)
}

// Resume asks the engine to resume the transfer for key.
func (c *Controller) Resume(key string) bool {
	at, ok := c.lookup(key)
	if !ok || !at.started {
		return false
	}
	return c.engine.Resume(at.task)
}

// Cancel stops the transfer for key. A Pending transfer the engine never saw
// is resolved as cancelled here.
func (c *Controller) Cancel(key string) bool {
	cancelled := false
	_ = c.keys.Synchronized(context.Background(), key, func() error {
		c.mu.Lock()
		at, ok := c.active[key]
		if !ok {
			c.mu.Unlock()
			return nil
		}
		if at.started {
			c.mu.Unlock()
			cancelled = c.engine.Cancel(at.task)
			return nil
		}
		delete(c.active, key)
		c.mu.Unlock()

		p := transfer.CancelledProgress("cancelled")
		at.stream.Publish(engine.Update{Task: at.task, Progress: p})
		at.stream.Close()
		c.persist(at.task, p)
		cancelled = true
		return nil
	})
	return cancelled
}

// Progress returns the latest known progress for key.
func (c *Controller) Progress(key string) (transfer.Progress, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if at, ok := c.active[key]; ok {
		if at.last.Task.ID == "" {
			return transfer.Progress{Status: at.status, TotalBytes: transfer.UnknownSize}, true
		}
		return at.last.Progress, true
	}
	if path, ok := c.completed[key]; ok {
		return transfer.CompletedProgress(path, transfer.UnknownSize), true
	}
	return transfer.Progress{}, false
}

// CompletedPath returns the cached local path for key.
func (c *Controller) CompletedPath(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path, ok := c.completed[key]
	return path, ok
}

// Forget evicts key from the completed-path cache and the store, so the next
// Enqueue transfers it again.
func (c *Controller) Forget(key string) error {
	c.mu.Lock()
	delete(c.completed, key)
	c.mu.Unlock()
	return c.store.Delete(key)
}

// ActiveKeys returns the keys with a transfer in flight, sorted.
func (c *Controller) ActiveKeys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.active))
	for k := range c.active {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Processing reports whether an Enqueue for key is inside its critical section.
func (c *Controller) Processing(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.processing[key]
	return ok
}

func (c *Controller) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Shutdown closes the engine and waits for its last updates to be applied.
// Streams still open afterwards are resolved as cancelled. The controller
// cannot be used again.
func (c *Controller) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if cerr := c.engine.Close(); cerr != nil {
			c.log.Warn().Err(cerr).Msg("engine close failed")
		}

		select {
		case <-c.listenerDone:
		case <-ctx.Done():
			err = ctx.Err()
		}

		c.mu.Lock()
		leftover := c.active
		c.active = make(map[string]*activeTransfer)
		c.mu.Unlock()

		for _, at := range leftover {
			p := transfer.CancelledProgress("shutdown")
			p.BytesTransferred = at.last.Progress.BytesTransferred
			at.stream.Publish(engine.Update{Task: at.task, Progress: p})
			at.stream.Close()
		}
		c.log.Debug().Int("abandoned", len(leftover)).Msg("controller shut down")
	})
	return err
}

// listen is the only place that applies engine updates to the cache, the
// active map and the store.
func (c *Controller) listen() {
	defer close(c.listenerDone)
	for u := range c.engine.Updates() {
		c.apply(u)
	}
}

func (c *Controller) apply(u engine.Update) {
	key := u.Task.Key()

	c.mu.Lock()
	at, ok := c.active[key]
	if !ok || at.task.ID != u.Task.ID {
		c.mu.Unlock()
		c.log.Debug().Str("key", key).Str("task", u.Task.ID).Msg("ignoring update for unknown transfer")
		return
	}
	at.last = u
	statusChanged := at.status != u.Progress.Status
	at.status = u.Progress.Status

	terminal := u.Progress.IsTerminal()
	if terminal {
		delete(c.active, key)
		if u.Progress.IsCompleted() {
			path := u.Progress.LocalPath
			if path == "" {
				path = at.task.LocalPath
			}
			c.completed[key] = path
		}
	}
	c.mu.Unlock()

	at.stream.Publish(u)
	if terminal {
		at.stream.Close()
	}
	if statusChanged {
		c.persist(at.task, u.Progress)
	}
}

func (c *Controller) persist(task engine.Task, p transfer.Progress) {
	rec := store.Record{
		Key:              task.Key(),
		TaskID:           task.ID,
		URL:              task.URL,
		LocalPath:        task.LocalPath,
		Direction:        string(task.Direction),
		Status:           p.Status,
		BytesTransferred: p.BytesTransferred,
		TotalBytes:       p.TotalBytes,
		ErrorMessage:     p.ErrorMessage,
	}
	if existing, ok, err := c.store.Get(rec.Key); err == nil && ok && existing.TaskID == task.ID {
		rec.CreatedAt = existing.CreatedAt
	}
	if err := c.store.Put(rec); err != nil {
		c.log.Warn().Err(err).Str("key", rec.Key).Msg("failed to persist transfer record")
	}
}
