package engine

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/diskspace"
	"github.com/rescale/rescale-xfer/internal/logging"
	"github.com/rescale/rescale-xfer/internal/ratelimit"
	"github.com/rescale/rescale-xfer/internal/transfer"
	"github.com/rescale/rescale-xfer/internal/util/buffers"
)

type jobState int

const (
	jobRunning jobState = iota
	jobPausing
	jobPaused
	jobCancelling
	jobClosing
)

type job struct {
	task    Task
	backend Backend
	state   jobState
	cancel  context.CancelFunc
	limiter *ratelimit.Limiter
}

// Runner is the Engine implementation used by the CLI. It dispatches each
// task to the Backend registered for its URL scheme and runs it on its own
// goroutine. Downloads stream into LocalPath+".part" and are renamed when
// complete, so a paused or failed download resumes with a range request.
type Runner struct {
	logger  *logging.Logger
	limiter *ratelimit.Limiter

	mu       sync.Mutex
	backends map[string]Backend
	jobs     map[string]*job
	closed   bool

	updates chan Update
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRunner creates a runner with no backends registered.
func NewRunner(logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Runner{
		logger:   logger,
		backends: make(map[string]Backend),
		jobs:     make(map[string]*job),
		updates:  make(chan Update, constants.StreamBufferSize),
		done:     make(chan struct{}),
	}
}

// Register routes URLs with the given scheme to b.
func (r *Runner) Register(scheme string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[scheme] = b
}

// SetBandwidthLimit caps the combined rate of all transfers started after
// the call. 0 removes the cap.
func (r *Runner) SetBandwidthLimit(bytesPerSecond int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = ratelimit.NewLimiter(bytesPerSecond, r.logger)
}

// Schemes returns the registered URL schemes in sorted order.
func (r *Runner) Schemes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.backends))
}

func (r *Runner) Updates() <-chan Update { return r.updates }

func jobID(t Task) string {
	if t.ID != "" {
		return t.ID
	}
	return t.URL
}

func (r *Runner) Start(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task.Direction != Download && task.Direction != Upload {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidTask, task.Direction)
	}
	if task.LocalPath == "" {
		return transfer.NewError(transfer.CodeFile, false, ErrNoLocalPath, "%s %s", task.Direction, task.URL)
	}
	scheme, err := schemeOf(task.URL)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	backend, ok := r.backends[scheme]
	if !ok {
		return transfer.NewError(transfer.CodeUnsupported, false, ErrUnknownScheme, "scheme %q", scheme)
	}

	id := jobID(task)
	if j, ok := r.jobs[id]; ok {
		if j.state == jobPaused {
			r.launchLocked(j)
		}
		return nil
	}

	j := &job{task: task.Clone(), backend: backend}
	r.jobs[id] = j
	r.launchLocked(j)
	return nil
}

func (r *Runner) launchLocked(j *job) {
	ctx, cancel := context.WithCancel(context.Background())
	j.state = jobRunning
	j.cancel = cancel
	j.limiter = r.limiter
	r.wg.Add(1)
	go r.run(ctx, cancel, j)
}

func (r *Runner) Pause(task Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID(task)]
	if !ok || j.state != jobRunning {
		return false
	}
	j.state = jobPausing
	j.cancel()
	return true
}

func (r *Runner) Resume(task Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	j, ok := r.jobs[jobID(task)]
	if !ok || j.state != jobPaused {
		return false
	}
	r.launchLocked(j)
	return true
}

// Cancel stops the task and discards any partial download.
func (r *Runner) Cancel(task Task) bool {
	r.mu.Lock()
	j, ok := r.jobs[jobID(task)]
	if !ok {
		r.mu.Unlock()
		return false
	}
	switch j.state {
	case jobRunning, jobPausing:
		j.state = jobCancelling
		j.cancel()
		r.mu.Unlock()
		return true
	case jobPaused:
		delete(r.jobs, jobID(task))
		r.wg.Add(1)
		r.mu.Unlock()

		defer r.wg.Done()
		r.discardPartial(j.task)
		r.send(j.task, transfer.CancelledProgress("cancelled"))
		return true
	default:
		r.mu.Unlock()
		return false
	}
}

// Close stops every job, keeping partial downloads on disk, and closes the
// updates channel once all goroutines have exited.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id, j := range r.jobs {
		switch j.state {
		case jobRunning, jobPausing:
			j.state = jobClosing
			j.cancel()
		case jobPaused:
			delete(r.jobs, id)
		}
	}
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
	close(r.updates)
	return nil
}

func (r *Runner) send(task Task, p transfer.Progress) {
	select {
	case r.updates <- Update{Task: task, Progress: p}:
	case <-r.done:
	}
}

func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, j *job) {
	defer r.wg.Done()
	defer cancel()

	task := j.task
	log := r.logger.With().Str("task", jobID(task)).Str("url", task.URL).Logger()
	log.Debug().Str("direction", string(task.Direction)).Msg("transfer started")

	emit := func(p transfer.Progress) { r.send(task, p) }

	var final transfer.Progress
	var err error
	if task.Direction == Download {
		final, err = r.download(ctx, task, j.backend, j.limiter, emit)
	} else {
		final, err = r.upload(ctx, task, j.backend, j.limiter, emit)
	}

	r.mu.Lock()
	state := j.state
	if err != nil && state == jobPausing {
		j.state = jobPaused
		r.mu.Unlock()

		final.Status = transfer.StatusPaused
		final.Speed, final.ETA = 0, 0
		final.Timestamp = time.Now()
		log.Info().Int64("bytes", final.BytesTransferred).Msg("transfer paused")
		r.send(task, final)
		return
	}
	delete(r.jobs, jobID(task))
	r.mu.Unlock()

	switch {
	case err == nil:
		log.Info().Int64("bytes", final.BytesTransferred).Msg("transfer completed")
		r.send(task, final)
	case state == jobCancelling:
		r.discardPartial(task)
		log.Info().Msg("transfer cancelled")
		p := transfer.CancelledProgress("cancelled")
		p.BytesTransferred = final.BytesTransferred
		r.send(task, p)
	case state == jobClosing:
		p := transfer.CancelledProgress("engine closed")
		p.BytesTransferred = final.BytesTransferred
		r.send(task, p)
	default:
		f := transfer.AsFailure(err)
		log.Warn().Err(err).Str("code", string(f.Code)).Bool("recoverable", f.Recoverable).Msg("transfer failed")
		p := transfer.FailedProgress(f.Code, f.Message, f.Recoverable)
		p.HTTPStatus = f.HTTPStatus
		p.BytesTransferred = final.BytesTransferred
		p.TotalBytes = final.TotalBytes
		r.send(task, p)
	}
}

func (r *Runner) discardPartial(task Task) {
	if task.Direction != Download {
		return
	}
	part := task.LocalPath + constants.PartialFileSuffix
	if err := os.Remove(part); err != nil && !os.IsNotExist(err) {
		r.logger.Warn().Err(err).Str("path", part).Msg("failed to remove partial download")
	}
}

func (r *Runner) download(ctx context.Context, task Task, b Backend, lim *ratelimit.Limiter, emit func(transfer.Progress)) (transfer.Progress, error) {
	part := task.LocalPath + constants.PartialFileSuffix
	if err := os.MkdirAll(filepath.Dir(task.LocalPath), 0o755); err != nil {
		return transfer.NewProgress(0, transfer.UnknownSize),
			transfer.NewError(transfer.CodeFile, false, err, "cannot create directory for %s", task.LocalPath)
	}

	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	}

	obj, err := b.Open(ctx, task, offset)
	if err != nil {
		return transfer.NewProgress(offset, transfer.UnknownSize), err
	}
	defer obj.Body.Close()
	if obj.Offset != 0 && obj.Offset != offset {
		return transfer.NewProgress(offset, obj.Size),
			transfer.NewError(transfer.CodeUnexpectedEnd, true, nil, "server resumed at %d, expected %d", obj.Offset, offset)
	}

	if obj.Size > obj.Offset {
		if err := diskspace.CheckAvailableSpace(part, obj.Size-obj.Offset, constants.DiskSpaceSafetyMargin); err != nil {
			return transfer.NewProgress(obj.Offset, obj.Size),
				transfer.NewError(transfer.CodeFile, false, err, "cannot store %s", task.LocalPath)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if obj.Offset > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return transfer.NewProgress(obj.Offset, obj.Size),
			transfer.NewError(transfer.CodeFile, false, err, "cannot open %s", part)
	}

	m := newMeter(obj.Offset, obj.Size, emit)
	m.flush()

	buf := buffers.GetCopyBuffer()
	_, copyErr := io.CopyBuffer(io.MultiWriter(f, m), lim.Reader(ctx, &contextReader{ctx: ctx, r: obj.Body}), *buf)
	buffers.PutCopyBuffer(buf)
	closeErr := f.Close()

	snap := m.snapshot()
	if ctx.Err() != nil {
		return snap, ctx.Err()
	}
	if copyErr != nil {
		return snap, copyErr
	}
	if closeErr != nil {
		return snap, transfer.NewError(transfer.CodeFile, false, closeErr, "cannot write %s", part)
	}
	if obj.Size >= 0 && snap.BytesTransferred != obj.Size {
		return snap, transfer.NewError(transfer.CodeUnexpectedEnd, true, nil,
			"received %d of %d bytes", snap.BytesTransferred, obj.Size)
	}

	if err := os.Rename(part, task.LocalPath); err != nil {
		return snap, transfer.NewError(transfer.CodeFile, false, err, "cannot move %s into place", part)
	}

	final := transfer.CompletedProgress(task.LocalPath, snap.BytesTransferred)
	final.RemoteURL = task.URL
	return final, nil
}

func (r *Runner) upload(ctx context.Context, task Task, b Backend, lim *ratelimit.Limiter, emit func(transfer.Progress)) (transfer.Progress, error) {
	f, err := os.Open(task.LocalPath)
	if err != nil {
		code := transfer.CodeFile
		if os.IsNotExist(err) {
			code = transfer.CodeNotFound
		}
		return transfer.NewProgress(0, transfer.UnknownSize),
			transfer.NewError(code, false, err, "cannot open %s", task.LocalPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return transfer.NewProgress(0, transfer.UnknownSize),
			transfer.NewError(transfer.CodeFile, false, err, "cannot stat %s", task.LocalPath)
	}
	if info.IsDir() {
		return transfer.NewProgress(0, transfer.UnknownSize),
			transfer.NewError(transfer.CodeFile, false, nil, "%s is a directory", task.LocalPath)
	}
	size := info.Size()

	m := newMeter(0, size, emit)
	m.flush()

	pr := &progressReader{ctx: ctx, rs: f, m: m}
	if lim != nil {
		pr.lim = lim.Reader(ctx, f)
	}
	resp, err := b.Put(ctx, task, pr, size)
	if err != nil {
		if ctx.Err() != nil {
			return m.snapshot(), ctx.Err()
		}
		return m.snapshot(), err
	}

	final := transfer.CompletedProgress(task.LocalPath, size)
	final.RemoteURL = task.URL
	if resp != "" {
		final.Metadata = map[string]any{"server_response": resp}
	}
	return final, nil
}
