// Package keymutex provides a mutex keyed by string so that critical sections
// for different keys never contend with each other.
package keymutex

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// slot is one key's weight-1 semaphore. refs counts the holder plus waiters;
// the slot is dropped from the map when it reaches zero.
type slot struct {
	sem  *semaphore.Weighted
	refs int
	held bool
}

// Mutex serializes callers per key. The zero value is ready to use.
type Mutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// New creates an empty keyed mutex.
func New() *Mutex {
	return &Mutex{slots: make(map[string]*slot)}
}

// Acquire blocks until the caller holds key. Waiters are served in arrival
// order. If ctx ends first, Acquire returns ctx.Err() and the caller does not
// hold the key.
func (m *Mutex) Acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	if m.slots == nil {
		m.slots = make(map[string]*slot)
	}
	s, ok := m.slots[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		m.mu.Lock()
		m.unrefLocked(key, s)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	s.held = true
	m.mu.Unlock()
	return nil
}

// Release hands key to the next waiter, or frees it when nobody is waiting.
// Releasing a key that is not held is a no-op.
func (m *Mutex) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[key]
	if !ok || !s.held {
		return
	}
	s.held = false
	s.sem.Release(1)
	m.unrefLocked(key, s)
}

func (m *Mutex) unrefLocked(key string, s *slot) {
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

// Synchronized runs action while holding key and releases it on every path,
// including a panic inside action.
func (m *Mutex) Synchronized(ctx context.Context, key string, action func() error) error {
	if err := m.Acquire(ctx, key); err != nil {
		return err
	}
	defer m.Release(key)
	return action()
}

// Held reports whether key currently has a holder.
func (m *Mutex) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	return ok && s.held
}
