package engine

import (
	"context"
	"io"
)

// Object is an open remote object positioned at Offset.
type Object struct {
	Body io.ReadCloser

	// Offset is where Body starts. It is 0 when the server ignored the
	// requested range and is sending the whole object.
	Offset int64

	// Size is the full object size, or transfer.UnknownSize.
	Size int64
}

// Backend moves bytes for one URL scheme.
type Backend interface {
	// Open reads the object at task.URL starting at offset.
	Open(ctx context.Context, task Task, offset int64) (*Object, error)

	// Put stores size bytes read from body at task.URL. Backends may seek
	// body back to the start to retry. The returned string is a short
	// server response (ETag or body) for the caller to record.
	Put(ctx context.Context, task Task, body io.ReadSeeker, size int64) (string, error)
}
