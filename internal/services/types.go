// Package services wraps the generic transfer queue with download and upload
// front ends. Items are keyed by URL and executed through a Transport, which
// coalesces duplicate work and short-circuits keys that already completed.
package services

import (
	"context"

	"github.com/rescale/rescale-xfer/internal/controller"
	"github.com/rescale/rescale-xfer/internal/engine"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

// Transport is the enqueue facade the queues execute through.
// *controller.Controller implements it.
type Transport interface {
	Enqueue(ctx context.Context, task engine.Task) (controller.EnqueueResult, error)
	Release(ctx context.Context, key string) error
	Pause(key string) bool
	Resume(key string) bool
	Cancel(key string) bool
}

var _ Transport = (*controller.Controller)(nil)

// TransferRequest is one transfer for AddRequests.
type TransferRequest struct {
	Direction engine.Direction
	URL       string
	LocalPath string
	Priority  transfer.Priority
	Headers   map[string]string
	Metadata  map[string]any
}

// Stats counts tracked items by status.
type Stats struct {
	Queued    int
	Running   int
	Paused    int
	Completed int
	Failed    int
	Cancelled int
}

// Total returns the number of tracked items.
func (s Stats) Total() int {
	return s.Queued + s.Running + s.Paused + s.Completed + s.Failed + s.Cancelled
}

// Finished returns the number of items in a terminal state.
func (s Stats) Finished() int {
	return s.Completed + s.Failed + s.Cancelled
}

// Totals aggregates byte counts across active transfers.
type Totals struct {
	Transfers        int
	BytesTransferred int64
	TotalBytes       int64 // transfer.UnknownSize if any active size is unknown
	Speed            float64
}

// Fraction returns BytesTransferred/TotalBytes, or 0 when unknown.
func (t Totals) Fraction() float64 {
	if t.TotalBytes <= 0 {
		return 0
	}
	return float64(t.BytesTransferred) / float64(t.TotalBytes)
}
