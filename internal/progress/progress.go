// Package progress renders transfer progress for the CLI: a bar per transfer
// (UI) or a single aggregate bar (Reporter driven by Watch).
package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/rescale/rescale-xfer/internal/services"
)

// Reporter is an aggregate progress sink.
type Reporter interface {
	Start(total int64, description string)
	Update(current int64)
	Finish()
	Error(err error)
	SetDescription(desc string)
}

// CLIProgress implements Reporter with a single terminal progress bar.
type CLIProgress struct {
	out   io.Writer
	bar   *progressbar.ProgressBar
	total int64
}

// NewCLIProgress creates a reporter writing to stderr.
func NewCLIProgress() *CLIProgress {
	return &CLIProgress{out: os.Stderr}
}

func (p *CLIProgress) Start(total int64, description string) {
	p.total = total
	out := p.out
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(out, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func (p *CLIProgress) Update(current int64) {
	if p.bar != nil {
		_ = p.bar.Set64(current)
	}
}

// SetTotal grows the bar when more work is discovered after Start.
func (p *CLIProgress) SetTotal(total int64) {
	if p.bar != nil && total != p.total {
		p.total = total
		p.bar.ChangeMax64(total)
	}
}

func (p *CLIProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

func (p *CLIProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(p.out, "\nError: %v\n", err)
	}
}

func (p *CLIProgress) SetDescription(desc string) {
	if p.bar != nil {
		p.bar.Describe(desc)
	}
}

// NoOpProgress discards everything. Used with --quiet.
type NoOpProgress struct{}

func NewNoOpProgress() *NoOpProgress { return &NoOpProgress{} }

func (NoOpProgress) Start(int64, string)   {}
func (NoOpProgress) Update(int64)          {}
func (NoOpProgress) Finish()               {}
func (NoOpProgress) Error(error)           {}
func (NoOpProgress) SetDescription(string) {}

// TotalsSource is satisfied by the download and upload queues.
type TotalsSource interface {
	Overall() services.Totals
	Stats() services.Stats
}

type totalSetter interface {
	SetTotal(int64)
}

// Watch drives r from src every interval until done is closed or ctx ends.
// The description tracks finished/total transfer counts.
func Watch(ctx context.Context, r Reporter, src TotalsSource, interval time.Duration, done <-chan struct{}) {
	t := src.Overall()
	r.Start(t.TotalBytes, describe(src.Stats()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refresh := func() {
		t := src.Overall()
		if ts, ok := r.(totalSetter); ok {
			ts.SetTotal(t.TotalBytes)
		}
		r.SetDescription(describe(src.Stats()))
		r.Update(t.BytesTransferred)
	}

	for {
		select {
		case <-ticker.C:
			refresh()
		case <-done:
			refresh()
			r.Finish()
			return
		case <-ctx.Done():
			r.Error(ctx.Err())
			return
		}
	}
}

func describe(s services.Stats) string {
	return fmt.Sprintf("[%d/%d]", s.Finished(), s.Total())
}
