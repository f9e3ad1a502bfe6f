package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

// meter counts bytes for one run and emits throttled running events with a
// smoothed speed and an ETA.
type meter struct {
	mu       sync.Mutex
	done     int64
	total    int64
	speed    float64
	lastAt   time.Time
	lastDone int64
	interval time.Duration
	emit     func(transfer.Progress)
}

func newMeter(done, total int64, emit func(transfer.Progress)) *meter {
	return &meter{
		done:     done,
		total:    total,
		lastAt:   time.Now(),
		lastDone: done,
		interval: constants.ProgressReportInterval,
		emit:     emit,
	}
}

// Write lets a meter sit on the writer side of io.MultiWriter.
func (m *meter) Write(p []byte) (int, error) {
	m.add(int64(len(p)))
	return len(p), nil
}

func (m *meter) add(n int64) {
	m.mu.Lock()
	m.done += n
	now := time.Now()
	if now.Sub(m.lastAt) < m.interval {
		m.mu.Unlock()
		return
	}
	m.sampleLocked(now)
	p := m.progressLocked()
	m.mu.Unlock()
	m.emit(p)
}

// reset moves the counter, e.g. after an upload body is rewound.
func (m *meter) reset(done int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = done
	m.lastDone = done
	m.lastAt = time.Now()
}

// flush emits the current state regardless of the throttle.
func (m *meter) flush() {
	m.mu.Lock()
	p := m.progressLocked()
	m.mu.Unlock()
	m.emit(p)
}

func (m *meter) bytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *meter) snapshot() transfer.Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progressLocked()
}

func (m *meter) sampleLocked(now time.Time) {
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 {
		return
	}
	instant := float64(m.done-m.lastDone) / elapsed
	if m.speed == 0 {
		m.speed = instant
	} else {
		m.speed = constants.SpeedSmoothingAlpha*instant + (1-constants.SpeedSmoothingAlpha)*m.speed
	}
	m.lastAt = now
	m.lastDone = m.done
}

func (m *meter) progressLocked() transfer.Progress {
	p := transfer.NewProgress(m.done, m.total)
	p.Speed = m.speed
	if m.speed > 0 && m.total > m.done {
		p.ETA = time.Duration(float64(m.total-m.done) / m.speed * float64(time.Second))
	}
	return p
}

// progressReader feeds an upload body through a meter. Seeking rewinds the
// meter so retried requests do not double count.
type progressReader struct {
	ctx context.Context
	rs  io.ReadSeeker
	m   *meter
	lim io.Reader
}

func (r *progressReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	src := io.Reader(r.rs)
	if r.lim != nil {
		src = r.lim
	}
	n, err := src.Read(p)
	if n > 0 {
		r.m.add(int64(n))
	}
	return n, err
}

func (r *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.rs.Seek(offset, whence)
	if err == nil {
		r.m.reset(pos)
	}
	return pos, err
}

// contextReader stops a body copy as soon as ctx ends, even if the
// underlying reader does not watch the context.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
