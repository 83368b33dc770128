package common

import (
	"context"
	"sync"
)

// Mutex is a minimal asynchronous lock: one holder at a time, waiters
// served strictly in arrival order. Unlike sync.Mutex, acquisition can be
// abandoned when the caller's context is done.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// NewMutex creates a new unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{}
}

// Acquire blocks until the lock is held by the caller or ctx is done.
// It returns nil exactly when the lock was acquired.
func (m *Mutex) Acquire(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked && len(m.waiters) == 0 {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	wait := make(chan struct{})
	m.waiters = append(m.waiters, wait)
	m.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		m.abandon(wait)
		return ctx.Err()
	}
}

// abandon removes a waiter that gave up; if the lock was handed to it in
// the meantime, pass it on.
func (m *Mutex) abandon(wait chan struct{}) {
	m.mu.Lock()
	for i, w := range m.waiters {
		if w == wait {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	// Not on the queue anymore: Release already handed the lock to this
	// waiter, so pass it on.
	m.Release()
}

// Release hands the lock to the first waiter, or unlocks if there is none.
// Releasing an unheld Mutex panics.
func (m *Mutex) Release() {
	m.mu.Lock()
	if !m.locked {
		m.mu.Unlock()
		panic("release of unlocked mutex")
	}
	if len(m.waiters) == 0 {
		m.locked = false
		m.mu.Unlock()
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.mu.Unlock()
	close(next)
}
