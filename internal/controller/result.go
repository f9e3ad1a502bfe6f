package controller

import (
	"github.com/rescale/rescale-xfer/internal/engine"
	"github.com/rescale/rescale-xfer/internal/events"
)

// Stream is the per-key broadcast of raw engine updates. Subscribers get the
// latest update replayed; the stream closes after the terminal update.
type Stream = events.Broadcaster[engine.Update]

// EnqueueResult is one of Cached, InProgress, Started or Pending. Callers are
// expected to switch over all four.
type EnqueueResult interface {
	ResultKey() string
	isEnqueueResult()
}

// Cached means the key already completed; no work was started.
type Cached struct {
	Key       string
	LocalPath string
}

// InProgress means another caller already owns the key; Stream is theirs.
type InProgress struct {
	Key    string
	Task   engine.Task
	Stream *Stream
}

// Started means this call began new transport work.
type Started struct {
	Key    string
	Task   engine.Task
	Stream *Stream
}

// Pending means the key is reserved but the transport has not been asked to
// start. Release starts it.
type Pending struct {
	Key    string
	Task   engine.Task
	Stream *Stream
}

func (r Cached) ResultKey() string     { return r.Key }
func (r InProgress) ResultKey() string { return r.Key }
func (r Started) ResultKey() string    { return r.Key }
func (r Pending) ResultKey() string    { return r.Key }

func (Cached) isEnqueueResult()     {}
func (InProgress) isEnqueueResult() {}
func (Started) isEnqueueResult()    {}
func (Pending) isEnqueueResult()    {}
