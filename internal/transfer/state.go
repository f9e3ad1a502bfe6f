package transfer

import "time"

// QueueState is an immutable snapshot of a Queue. Running and Pending are
// copies; the items they point to keep changing.
type QueueState[T any] struct {
	RunningCount  int
	PendingCount  int
	MaxConcurrent int
	Paused        bool
	Running       []*Item[T]
	Pending       []*Item[T]
	Timestamp     time.Time

	runningProgress float64
}

// Total returns running plus pending items.
func (s QueueState[T]) Total() int {
	return s.RunningCount + s.PendingCount
}

// IsFull reports whether every slot is taken.
func (s QueueState[T]) IsFull() bool {
	return s.RunningCount >= s.MaxConcurrent
}

// AvailableSlots returns how many more items could be admitted.
func (s QueueState[T]) AvailableSlots() int {
	if n := s.MaxConcurrent - s.RunningCount; n > 0 {
		return n
	}
	return 0
}

// Progress returns the aggregate progress at snapshot time: the sum of
// running fractions divided by Total. Pending items count as zero.
func (s QueueState[T]) Progress() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return s.runningProgress / float64(total)
}
