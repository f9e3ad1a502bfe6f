package transfer

// Status is the lifecycle state of a queued transfer.
//
//	queued -> running -> completed | failed | cancelled
//	running <-> paused
//	failed -> queued (retry)
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true for completed, failed and cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive returns true while a transfer holds a running slot.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusPaused
}
