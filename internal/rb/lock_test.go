package rb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_Mutex(t *testing.T) {
	assert := assert.New(t)

	mux := NewMutex()

	mux.Lock()
	assert.False(mux.TryLock())

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(mux.LockContext(ctx), context.DeadlineExceeded)

	mux.Unlock()
	assert.True(mux.TryLock())
	mux.Unlock()

	assert.NoError(mux.LockContext(t.Context()))
	mux.Unlock()
}

func Test_Mutex_CancelledContext(t *testing.T) {
	assert := assert.New(t)

	mux := NewMutex()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	// fails even if the mutex is free
	assert.ErrorIs(mux.LockContext(ctx), context.Canceled)
	assert.True(mux.TryLock())
}

func Test_Wait_Signal(t *testing.T) {
	assert := assert.New(t)

	mux := NewMutex()
	cond := sync.NewCond(mux)

	ready := false
	done := make(chan error)

	go func() {
		mux.Lock()
		defer mux.Unlock()

		for !ready {
			if err := Wait(t.Context(), cond); err != nil {
				done <- err
				return
			}
		}

		done <- nil
	}()

	time.Sleep(10 * time.Millisecond)

	mux.Lock()
	ready = true
	cond.Broadcast()
	mux.Unlock()

	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken up")
	}
}

func Test_Wait_Cancel(t *testing.T) {
	assert := assert.New(t)

	mux := NewMutex()
	cond := sync.NewCond(mux)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error)

	go func() {
		mux.Lock()
		defer mux.Unlock()

		// never signaled
		for {
			if err := Wait(ctx, cond); err != nil {
				done <- err
				return
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter not interrupted")
	}

	// the lock has been given back
	assert.True(mux.TryLock())
}
