package transfer

import (
	"fmt"
	"time"
)

// UnknownSize marks a total byte count the transport could not determine.
const UnknownSize int64 = -1

// Progress is a point-in-time snapshot of one transfer. It is a value type:
// executors emit fresh copies and nothing mutates a published Progress.
type Progress struct {
	BytesTransferred int64
	TotalBytes       int64         // UnknownSize when not known
	Speed            float64       // bytes/sec
	ETA              time.Duration // 0 when unknown
	Status           Status

	// Set on failure events.
	ErrorMessage string
	ErrorCode    ErrorCode
	Recoverable  bool
	HTTPStatus   int

	// Set on completion events: where the bytes ended up and where they came from.
	LocalPath string
	RemoteURL string

	Timestamp time.Time
	Metadata  map[string]any
}

// NewProgress creates a running progress event. Speed and ETA are left for
// the caller to fill in when it tracks them.
func NewProgress(done, total int64) Progress {
	return Progress{
		BytesTransferred: done,
		TotalBytes:       total,
		Status:           StatusRunning,
		Timestamp:        time.Now(),
	}
}

// CompletedProgress creates the terminal success event for a transfer.
func CompletedProgress(localPath string, size int64) Progress {
	return Progress{
		BytesTransferred: size,
		TotalBytes:       size,
		Status:           StatusCompleted,
		LocalPath:        localPath,
		Timestamp:        time.Now(),
	}
}

// FailedProgress creates the terminal failure event for a transfer.
func FailedProgress(code ErrorCode, message string, recoverable bool) Progress {
	return Progress{
		TotalBytes:   UnknownSize,
		Status:       StatusFailed,
		ErrorCode:    code,
		ErrorMessage: message,
		Recoverable:  recoverable,
		Timestamp:    time.Now(),
	}
}

// CancelledProgress creates the terminal cancellation event for a transfer.
func CancelledProgress(reason string) Progress {
	return Progress{
		TotalBytes:   UnknownSize,
		Status:       StatusCancelled,
		ErrorCode:    CodeCancelled,
		ErrorMessage: reason,
		Timestamp:    time.Now(),
	}
}

// Fraction returns progress in [0, 1]; 0 when the total is unknown.
// Completed events always report 1.
func (p Progress) Fraction() float64 {
	if p.Status == StatusCompleted {
		return 1
	}
	if p.TotalBytes <= 0 {
		return 0
	}
	f := float64(p.BytesTransferred) / float64(p.TotalBytes)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func (p Progress) IsCompleted() bool { return p.Status == StatusCompleted }
func (p Progress) IsFailed() bool    { return p.Status == StatusFailed }
func (p Progress) IsCancelled() bool { return p.Status == StatusCancelled }

// IsTerminal returns true for completed, failed and cancelled events.
func (p Progress) IsTerminal() bool {
	return p.Status.IsTerminal()
}

// FormatBytes renders "1.5 MB / 10.0 MB", or just the transferred amount
// when the total is unknown.
func (p Progress) FormatBytes() string {
	if p.TotalBytes < 0 {
		return FormatBytes(p.BytesTransferred)
	}
	return fmt.Sprintf("%s / %s", FormatBytes(p.BytesTransferred), FormatBytes(p.TotalBytes))
}

// FormatSpeed renders the transfer rate.
func (p Progress) FormatSpeed() string {
	return FormatSpeed(p.Speed)
}

// FormatETA renders the remaining time, "--" when unknown.
func (p Progress) FormatETA() string {
	if p.ETA <= 0 {
		return "--"
	}
	return p.ETA.Round(time.Second).String()
}

// FormatPercent renders the fraction as a percentage with one decimal.
func (p Progress) FormatPercent() string {
	return fmt.Sprintf("%.1f%%", p.Fraction()*100)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed returns a human-readable speed in bytes/second.
func FormatSpeed(bytesPerSec float64) string {
	if bytesPerSec < 1024 {
		return fmt.Sprintf("%.1f B/s", bytesPerSec)
	}
	if bytesPerSec < 1024*1024 {
		return fmt.Sprintf("%.1f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1024*1024))
}
