package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/rescale/rescale-xfer/internal/engine"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

// UI renders one bar per tracked transfer. On a terminal bars are drawn with
// mpb; otherwise it prints a start line and a result line per transfer.
type UI struct {
	progress   *mpb.Progress
	out        io.Writer
	isTerminal bool
	total      int

	started   atomic.Int32
	completed atomic.Int32
	failed    atomic.Int32
	cancelled atomic.Int32

	wg sync.WaitGroup
}

// NewUI creates a UI on stderr for total transfers.
func NewUI(total int) *UI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))
	if isTerminal {
		enableANSI(os.Stderr)
	}
	return newUI(os.Stderr, isTerminal, total)
}

func newUI(out io.Writer, isTerminal bool, total int) *UI {
	u := &UI{out: out, isTerminal: isTerminal, total: total}
	if isTerminal {
		u.progress = mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(100),
		)
	}
	return u
}

// Track attaches a bar to item and follows its progress stream until the item
// resolves.
func (u *UI) Track(item *transfer.Item[engine.Task]) {
	fb := u.addBar(int(u.started.Add(1)), item)
	ch := item.Subscribe()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer item.Unsubscribe(ch)
		for p := range ch {
			if p.IsTerminal() {
				break
			}
			fb.update(p, item.Attempt())
		}
		<-item.Done()
		r, _ := item.Result()
		fb.complete(r, item.Snapshot())
	}()
}

// Wait blocks until every tracked transfer has resolved and its bar is gone.
func (u *UI) Wait() {
	u.wg.Wait()
	if u.progress != nil {
		u.progress.Wait()
	}
}

// Writer returns a writer that prints above the bars.
func (u *UI) Writer() io.Writer {
	if u.progress != nil {
		return u.progress
	}
	return u.out
}

// IsTerminal reports whether bars are drawn.
func (u *UI) IsTerminal() bool { return u.isTerminal }

// Counts returns completed, failed and cancelled transfers so far.
func (u *UI) Counts() (completed, failed, cancelled int) {
	return int(u.completed.Load()), int(u.failed.Load()), int(u.cancelled.Load())
}

// Summary renders the final tally line.
func (u *UI) Summary() string {
	c, f, x := u.Counts()
	return fmt.Sprintf("%d completed, %d failed, %d cancelled", c, f, x)
}

type fileBar struct {
	ui      *UI
	bar     *mpb.Bar
	label   string
	latest  atomic.Pointer[transfer.Progress]
	retries atomic.Int32
	total   int64
}

func (u *UI) addBar(index int, item *transfer.Item[engine.Task]) *fileBar {
	task := item.Task()
	fb := &fileBar{
		ui:    u,
		label: label(index, u.total, task),
		total: item.Snapshot().TotalBytes,
	}
	first := item.Snapshot()
	fb.latest.Store(&first)

	if !u.isTerminal {
		fmt.Fprintf(u.out, "%s %s\n", verb(task.Direction), fb.label)
		return fb
	}

	total := fb.total
	if total < 0 {
		total = 0
	}
	fb.bar = u.progress.New(total,
		mpb.BarStyle().
			Lbound("[").
			Filler("█").
			Tip("█").
			Padding("░").
			Rbound("]"),
		mpb.PrependDecorators(
			decor.Any(func(decor.Statistics) string {
				if n := fb.retries.Load(); n > 0 {
					return fmt.Sprintf("%s (retry %d)", fb.label, n)
				}
				return fb.label
			}, decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			decor.Any(func(s decor.Statistics) string {
				if s.Total <= 0 {
					return fmt.Sprintf("%6.2f%%", 0.0)
				}
				return fmt.Sprintf("%6.2f%%", float64(s.Current)/float64(s.Total)*100)
			}, decor.WCSyncSpace),
			decor.Name("  "),
			decor.Any(func(decor.Statistics) string {
				p := fb.latest.Load()
				if p.Status == transfer.StatusPaused {
					return "paused"
				}
				return fmt.Sprintf("%s  ETA %s", p.FormatSpeed(), p.FormatETA())
			}, decor.WCSyncSpace),
		),
		mpb.BarRemoveOnComplete(),
	)
	return fb
}

func (f *fileBar) update(p transfer.Progress, attempt int) {
	f.latest.Store(&p)
	if attempt > 1 {
		f.retries.Store(int32(attempt - 1))
	}
	if f.bar == nil {
		return
	}
	if p.TotalBytes > 0 && p.TotalBytes != f.total {
		f.total = p.TotalBytes
		f.bar.SetTotal(p.TotalBytes, false)
	}
	f.bar.SetCurrent(p.BytesTransferred)
}

func (f *fileBar) complete(r transfer.Result, final transfer.Progress) {
	f.latest.Store(&final)

	var msg string
	switch v := r.(type) {
	case transfer.Success:
		f.ui.completed.Add(1)
		if f.bar != nil {
			f.bar.SetCurrent(v.FileSize)
			f.bar.SetTotal(-1, true)
		}
		msg = fmt.Sprintf("✓ %s (%s, %s, %s)\n",
			f.label,
			transfer.FormatBytes(v.FileSize),
			v.Duration.Round(time.Second),
			transfer.FormatSpeed(v.Speed))
	case transfer.Failure:
		f.ui.failed.Add(1)
		if f.bar != nil {
			f.bar.Abort(false)
		}
		msg = fmt.Sprintf("✗ %s: %s (after %d retries)\n", f.label, v.Error(), f.retries.Load())
	case transfer.Cancelled:
		f.ui.cancelled.Add(1)
		if f.bar != nil {
			f.bar.Abort(true)
		}
		msg = fmt.Sprintf("- %s: cancelled (%s)\n", f.label, v.Reason)
	default:
		if f.bar != nil {
			f.bar.Abort(true)
		}
		return
	}
	_, _ = f.ui.Writer().Write([]byte(msg))
}

func label(index, total int, task engine.Task) string {
	arrow := "←"
	if task.Direction == engine.Upload {
		arrow = "→"
	}
	return fmt.Sprintf("[%d/%d] %s %s %s", index, total, truncatePath(task.LocalPath, 2), arrow, task.URL)
}

func verb(d engine.Direction) string {
	if d == engine.Upload {
		return "Uploading"
	}
	return "Downloading"
}

// truncatePath keeps the last n components: "/a/b/c/d.txt" -> "…/c/d.txt".
func truncatePath(path string, n int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= n {
		return filepath.Base(path)
	}
	return "…/" + strings.Join(parts[len(parts)-n:], "/")
}
