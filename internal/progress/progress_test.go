package progress

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-xfer/internal/engine"
	"github.com/rescale/rescale-xfer/internal/services"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

// feeder hands every run a stream the test writes to.
type feeder struct {
	mu      sync.Mutex
	streams map[string]chan transfer.Progress
	started chan string
}

func newFeeder() *feeder {
	return &feeder{streams: make(map[string]chan transfer.Progress), started: make(chan string, 16)}
}

func (f *feeder) execute(_ context.Context, item *transfer.Item[engine.Task]) (<-chan transfer.Progress, error) {
	ch := make(chan transfer.Progress, 16)
	f.mu.Lock()
	f.streams[item.ID()] = ch
	f.mu.Unlock()
	f.started <- item.ID()
	return ch, nil
}

func (f *feeder) send(t *testing.T, id string, p transfer.Progress) {
	t.Helper()
	f.mu.Lock()
	ch := f.streams[id]
	f.mu.Unlock()
	require.NotNil(t, ch, "no stream for %s", id)
	ch <- p
}

func (f *feeder) waitStarted(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-f.started:
		case <-time.After(2 * time.Second):
			t.Fatal("executor not called")
		}
	}
}

func newQueue(t *testing.T, f *feeder) *transfer.Queue[engine.Task] {
	t.Helper()
	q, err := transfer.NewQueue(f.execute, transfer.Options{MaxConcurrent: 4, AutoStart: true})
	require.NoError(t, err)
	t.Cleanup(q.Dispose)
	return q
}

func download(url, path string) engine.Task {
	return engine.Task{URL: url, LocalPath: path, Direction: engine.Download}
}

func TestUI_PlainOutput(t *testing.T) {
	f := newFeeder()
	q := newQueue(t, f)

	var out bytes.Buffer
	ui := newUI(&out, false, 3)
	assert.False(t, ui.IsTerminal())

	ok, err := q.Add(download("https://example.com/ok", "/data/in/ok.bin"), transfer.WithID("ok"))
	require.NoError(t, err)
	bad, err := q.Add(download("https://example.com/bad", "/data/in/bad.bin"), transfer.WithID("bad"))
	require.NoError(t, err)
	up, err := q.Add(engine.Task{URL: "https://example.com/up", LocalPath: "up.bin", Direction: engine.Upload}, transfer.WithID("up"))
	require.NoError(t, err)

	ui.Track(ok)
	ui.Track(bad)
	ui.Track(up)
	f.waitStarted(t, 3)

	f.send(t, "ok", transfer.NewProgress(5, 10))
	f.send(t, "ok", transfer.CompletedProgress("/data/in/ok.bin", 10))
	f.send(t, "bad", transfer.FailedProgress(transfer.CodeNotFound, "missing", false))
	require.NoError(t, q.Cancel("up"))

	done := make(chan struct{})
	go func() {
		ui.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}

	c, fl, x := ui.Counts()
	assert.Equal(t, 1, c)
	assert.Equal(t, 1, fl)
	assert.Equal(t, 1, x)
	assert.Equal(t, "1 completed, 1 failed, 1 cancelled", ui.Summary())

	text := out.String()
	assert.Contains(t, text, "Downloading [1/3] …/in/ok.bin ← https://example.com/ok")
	assert.Contains(t, text, "Uploading [3/3] up.bin → https://example.com/up")
	assert.Contains(t, text, "✓ [1/3] …/in/ok.bin")
	assert.Contains(t, text, "✗ [2/3] …/in/bad.bin ← https://example.com/bad: NOT_FOUND: missing")
	assert.Contains(t, text, "- [3/3] up.bin → https://example.com/up: cancelled")
}

func TestUI_TerminalBars(t *testing.T) {
	f := newFeeder()
	q := newQueue(t, f)

	var out bytes.Buffer
	ui := newUI(&out, true, 1)
	assert.True(t, ui.IsTerminal())

	item, err := q.Add(download("https://example.com/t", "/tmp/t.bin"), transfer.WithID("t"))
	require.NoError(t, err)
	ui.Track(item)
	f.waitStarted(t, 1)

	f.send(t, "t", transfer.NewProgress(512, 1024))
	f.send(t, "t", transfer.CompletedProgress("/tmp/t.bin", 1024))

	done := make(chan struct{})
	go func() {
		ui.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
	c, _, _ := ui.Counts()
	assert.Equal(t, 1, c)
	assert.Contains(t, out.String(), "✓ [1/1]")
}

func TestUI_TrackResolvedItem(t *testing.T) {
	f := newFeeder()
	q := newQueue(t, f)

	item, err := q.Add(download("https://example.com/r", "r.bin"), transfer.WithID("r"))
	require.NoError(t, err)
	f.waitStarted(t, 1)
	f.send(t, "r", transfer.CompletedProgress("r.bin", 3))
	<-item.Done()

	var out bytes.Buffer
	ui := newUI(&out, false, 1)
	ui.Track(item)
	ui.Wait()

	c, _, _ := ui.Counts()
	assert.Equal(t, 1, c)
}

func TestTruncatePath(t *testing.T) {
	assert.Equal(t, "file.txt", truncatePath("file.txt", 2))
	assert.Equal(t, "b.txt", truncatePath("a/b.txt", 2))
	assert.Equal(t, "…/c/d.txt", truncatePath("/a/b/c/d.txt", 2))
}

type recorder struct {
	mu       sync.Mutex
	started  int64
	updates  []int64
	totals   []int64
	desc     string
	finished bool
	err      error
}

func (r *recorder) Start(total int64, desc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started, r.desc = total, desc
}

func (r *recorder) Update(current int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, current)
}

func (r *recorder) SetTotal(total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals = append(r.totals, total)
}

func (r *recorder) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
}

func (r *recorder) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recorder) SetDescription(desc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.desc = desc
}

type staticSource struct {
	totals services.Totals
	stats  services.Stats
}

func (s staticSource) Overall() services.Totals { return s.totals }
func (s staticSource) Stats() services.Stats    { return s.stats }

func TestWatch_FinishesOnDone(t *testing.T) {
	src := staticSource{
		totals: services.Totals{Transfers: 2, BytesTransferred: 30, TotalBytes: 90},
		stats:  services.Stats{Completed: 1, Running: 1},
	}
	r := &recorder{}
	done := make(chan struct{})
	close(done)

	Watch(context.Background(), r, src, time.Hour, done)

	assert.EqualValues(t, 90, r.started)
	assert.Equal(t, []int64{30}, r.updates)
	assert.Equal(t, []int64{90}, r.totals)
	assert.Equal(t, "[1/2]", r.desc)
	assert.True(t, r.finished)
	assert.NoError(t, r.err)
}

func TestWatch_ContextCancelled(t *testing.T) {
	r := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	Watch(ctx, r, staticSource{}, time.Hour, make(chan struct{}))

	assert.False(t, r.finished)
	assert.True(t, errors.Is(r.err, context.Canceled))
}

func TestCLIProgress_WritesBar(t *testing.T) {
	var out bytes.Buffer
	p := &CLIProgress{out: &out}
	p.Start(100, "[0/1]")
	p.Update(50)
	p.SetTotal(200)
	p.SetDescription("[1/1]")
	p.Update(200)
	p.Finish()
	p.Error(errors.New("boom"))

	assert.Contains(t, out.String(), "Error: boom")
}

func TestNoOpProgress(t *testing.T) {
	var r Reporter = NewNoOpProgress()
	r.Start(1, "x")
	r.Update(1)
	r.SetDescription("y")
	r.Error(errors.New("ignored"))
	r.Finish()
}
