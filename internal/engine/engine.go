// Package engine is the raw transfer transport: it moves bytes for one task
// at a time per backend and reports progress as a stream of updates. It knows
// nothing about priorities, deduplication or caching; those live in the queue
// and controller packages.
package engine

import (
	"context"
	"errors"
	"maps"
	"net/url"
	"strings"

	"github.com/rescale/rescale-xfer/internal/transfer"
)

// Direction says which way the bytes flow.
type Direction string

const (
	Download Direction = "download"
	Upload   Direction = "upload"
)

// Task describes one transfer handed to the engine.
type Task struct {
	// ID is the engine's native handle for the task.
	ID string

	// URL is the remote side: http(s)://, s3://bucket/key,
	// azblob://container/blob or webdav://host/path.
	URL string

	// LocalPath is the download destination or the upload source.
	LocalPath string

	Direction Direction
	Headers   map[string]string
	Metadata  map[string]any

	// RunInBackground is passed through for platforms that can hand transfers
	// to a background service. The runner ignores it.
	RunInBackground bool
}

// Key returns the deduplication key of the task.
func (t Task) Key() string { return t.URL }

// Clone returns a copy that shares no maps with t.
func (t Task) Clone() Task {
	t.Headers = maps.Clone(t.Headers)
	t.Metadata = maps.Clone(t.Metadata)
	return t
}

// Update is one raw progress event for a task.
type Update struct {
	Task     Task
	Progress transfer.Progress
}

// Engine is the transport contract consumed by the controller.
type Engine interface {
	// Start begins the transfer in the background. Progress arrives on Updates.
	Start(ctx context.Context, task Task) error
	Pause(task Task) bool
	Resume(task Task) bool
	Cancel(task Task) bool
	Updates() <-chan Update
	Close() error
}

var (
	ErrClosed        = errors.New("engine is closed")
	ErrInvalidTask   = errors.New("invalid transfer task")
	ErrNoLocalPath   = errors.New("task has no local path")
	ErrUnknownScheme = errors.New("no backend for URL scheme")
)

func schemeOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", transfer.NewError(transfer.CodeInvalidURL, false, err, "invalid URL %q", rawURL)
	}
	if u.Scheme == "" {
		return "", transfer.NewError(transfer.CodeInvalidURL, false, nil, "URL %q has no scheme", rawURL)
	}
	return strings.ToLower(u.Scheme), nil
}

// splitContainerURL parses scheme://container/path/to/object.
func splitContainerURL(rawURL string) (container, object string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", transfer.NewError(transfer.CodeInvalidURL, false, err, "invalid URL %q", rawURL)
	}
	container = u.Host
	object = strings.TrimPrefix(u.Path, "/")
	if container == "" || object == "" {
		return "", "", transfer.NewError(transfer.CodeInvalidURL, false, nil, "URL %q must look like %s://container/object", rawURL, u.Scheme)
	}
	return container, object, nil
}
