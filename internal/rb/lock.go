package rb

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

var _ sync.Locker = (*Mutex)(nil)

// Mutex is a mutual exclusion lock whose acquisition can be
// abandoned when a context is done.
// It satisfies sync.Locker, so it can back a sync.Cond.
type Mutex struct {
	sem *semaphore.Weighted
}

// NewMutex returns a new unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{
		sem: semaphore.NewWeighted(1),
	}
}

// Lock acquires the mutex, blocking until it is available.
func (m *Mutex) Lock() {
	// Acquire fails only when the context is done
	_ = m.sem.Acquire(context.Background(), 1)
}

// LockContext acquires the mutex, blocking until it is available
// or ctx is done. On failure the mutex is not held and ctx.Err() is returned.
func (m *Mutex) LockContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.sem.Acquire(ctx, 1)
}

// TryLock acquires the mutex only if it is free.
func (m *Mutex) TryLock() bool {
	return m.sem.TryAcquire(1)
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	m.sem.Release(1)
}

// Wait suspends the caller on cond until the cond is signaled or ctx is done.
//
// cond.L must be held when calling Wait: it is released while suspended and
// held again on return, whatever the outcome. When ctx is done, ctx.Err() is
// returned. Wakeups can be spurious, callers re-check their predicate in a loop.
func Wait(ctx context.Context, cond *sync.Cond) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// The broadcast takes the lock, so it cannot run before the
	// caller is parked in cond.Wait and the wakeup cannot be lost.
	stop := context.AfterFunc(ctx, func() {
		cond.L.Lock()
		defer cond.L.Unlock()
		cond.Broadcast()
	})

	cond.Wait()
	stop()

	return ctx.Err()
}
