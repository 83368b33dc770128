package common

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexAcquireRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMutex()

	require.NoError(t, m.Acquire(ctx))
	m.Release()
	require.NoError(t, m.Acquire(ctx))
	m.Release()
}

func TestMutexFIFOOrder(t *testing.T) {
	t.Parallel()

	// Test description
	//
	// 1. Hold the lock and queue many waiters with a known arrival order.
	// 2. Release the lock once per waiter.
	//
	// Success criteria: waiters acquire the lock in exactly the order
	//                   they called Acquire.

	const waiters = 20

	ctx := context.Background()
	m := NewMutex()
	require.NoError(t, m.Acquire(ctx))

	var (
		mu      sync.Mutex
		order   []int
		started sync.WaitGroup
		done    sync.WaitGroup
	)
	for i := 0; i < waiters; i++ {
		i := i
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			started.Done()
			// Arrival order is fixed by waiting for the previous waiter
			// to be queued before this one calls Acquire.
			for {
				m.mu.Lock()
				queued := len(m.waiters)
				m.mu.Unlock()
				if queued == i {
					break
				}
				time.Sleep(time.Millisecond)
			}
			require.NoError(t, m.Acquire(ctx))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			m.Release()
		}()
	}
	started.Wait()

	// Wait until every waiter is queued, then start the handoff chain.
	for {
		m.mu.Lock()
		queued := len(m.waiters)
		m.mu.Unlock()
		if queued == waiters {
			break
		}
		time.Sleep(time.Millisecond)
	}
	m.Release()
	done.Wait()

	for i := 0; i < waiters; i++ {
		assert.Equal(t, i, order[i])
	}
}

func TestMutexAcquireCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMutex()
	require.NoError(t, m.Acquire(ctx))

	cancelCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Acquire(cancelCtx)
	}()

	// Make sure the waiter is queued before giving up.
	for {
		m.mu.Lock()
		queued := len(m.waiters)
		m.mu.Unlock()
		if queued == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The abandoned waiter must not receive the lock.
	m.Release()
	require.NoError(t, m.Acquire(ctx))
	m.Release()
}

func TestMutexCancelBeforeAcquire(t *testing.T) {
	t.Parallel()

	m := NewMutex()
	require.NoError(t, m.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.Acquire(ctx), context.Canceled)

	m.Release()
}

func TestMutexReleaseUnheldPanics(t *testing.T) {
	t.Parallel()

	m := NewMutex()
	assert.Panics(t, func() { m.Release() })
}
