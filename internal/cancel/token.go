// Package cancel provides a cooperative cancellation token shared between the
// transfer queue and the executors it drives.
package cancel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// CancellationError is returned by Token.Err once the token has fired.
type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return "operation cancelled"
	}
	return fmt.Sprintf("operation cancelled: %s", e.Reason)
}

// Is makes errors.Is(err, context.Canceled) hold for cancellation errors so
// callers that only know about contexts still treat them as cancellation.
func (e *CancellationError) Is(target error) bool {
	return target == context.Canceled
}

// Token is a one-way cancellation flag with a callback registry.
//
// Thread-safe: Cancel, OnCancel and Dispose may be called from any goroutine.
type Token struct {
	cancelled atomic.Bool

	mu        sync.Mutex
	reason    string
	nextID    uint64
	callbacks map[uint64]func(reason string)
	disposed  bool

	ctx       context.Context
	ctxCancel context.CancelFunc
}

// New creates an uncancelled token.
func New() *Token {
	ctx, cancel := context.WithCancel(context.Background())
	return &Token{
		callbacks: make(map[uint64]func(string)),
		ctx:       ctx,
		ctxCancel: cancel,
	}
}

// Linked creates a child token that is cancelled whenever the parent is.
// Cancelling the child never affects the parent.
func (t *Token) Linked() *Token {
	child := New()
	unregister := t.OnCancel(child.Cancel)
	// Drop the parent registration once the child fires on its own.
	child.OnCancel(func(string) { unregister() })
	return child
}

// Cancel fires the token. Subsequent calls are no-ops.
func (t *Token) Cancel(reason string) {
	t.mu.Lock()
	if t.cancelled.Load() || t.disposed {
		t.mu.Unlock()
		return
	}
	t.reason = reason
	t.cancelled.Store(true)
	callbacks := t.callbacks
	t.callbacks = make(map[uint64]func(string))
	t.mu.Unlock()

	t.ctxCancel()
	for _, cb := range callbacks {
		cb(reason)
	}
}

// IsCancelled reports whether Cancel has been called.
func (t *Token) IsCancelled() bool {
	return t.cancelled.Load()
}

// Reason returns the reason passed to Cancel.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// OnCancel registers cb to run once when the token is cancelled. If the token
// has already fired, cb runs immediately on the calling goroutine.
// The returned function unregisters cb; it is safe to call more than once.
func (t *Token) OnCancel(cb func(reason string)) (unregister func()) {
	t.mu.Lock()
	if t.cancelled.Load() {
		reason := t.reason
		t.mu.Unlock()
		cb(reason)
		return func() {}
	}
	if t.disposed {
		t.mu.Unlock()
		return func() {}
	}
	id := t.nextID
	t.nextID++
	t.callbacks[id] = cb
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.callbacks, id)
		t.mu.Unlock()
	}
}

// Err returns a *CancellationError carrying the reason once the token has
// fired, nil otherwise. It is the polling form of cancellation.
func (t *Token) Err() error {
	if !t.cancelled.Load() {
		return nil
	}
	return &CancellationError{Reason: t.Reason()}
}

// Context returns a context that is done after Cancel or Dispose.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Dispose drops every registered callback without invoking it and releases
// the context. The token cannot be cancelled afterwards.
func (t *Token) Dispose() {
	t.mu.Lock()
	t.disposed = true
	t.callbacks = make(map[uint64]func(string))
	t.mu.Unlock()
	t.ctxCancel()
}
