package scullp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeService struct {
	name    string
	initErr error

	log *[]string

	running atomic.Bool
	done    chan struct{}
}

func newFakeService(name string, log *[]string, initErr error) *fakeService {
	return &fakeService{
		name:    name,
		initErr: initErr,
		log:     log,
		done:    make(chan struct{}),
	}
}

func (fs *fakeService) Name() string { return fs.name }

func (fs *fakeService) Init(_ context.Context) error {
	*fs.log = append(*fs.log, "init "+fs.name)
	return fs.initErr
}

func (fs *fakeService) Run(ctx context.Context) {
	fs.running.Store(true)
	select {
	case <-ctx.Done():
	case <-fs.done:
	}
}

func (fs *fakeService) Close() error {
	*fs.log = append(*fs.log, "close "+fs.name)
	close(fs.done)
	return nil
}

func Test_Runner(t *testing.T) {
	assert := assert.New(t)

	log := []string{}
	a := newFakeService("a", &log, nil)
	b := newFakeService("b", &log, nil)

	runner := NewRunner()
	runner.AddService(a)
	runner.AddService(b)

	assert.NoError(runner.Init(t.Context()))
	runner.Run(t.Context())

	assert.Eventually(func() bool {
		return a.running.Load() && b.running.Load()
	}, time.Second, 5*time.Millisecond)

	// ignored while running
	runner.AddService(newFakeService("c", &log, nil))

	assert.NoError(runner.Close())
	assert.Equal([]string{"init a", "init b", "close b", "close a"}, log)
}

func Test_Runner_InitRollback(t *testing.T) {
	assert := assert.New(t)

	errBoom := errors.New("boom")

	log := []string{}
	runner := NewRunner()
	runner.AddService(newFakeService("a", &log, nil))
	runner.AddService(newFakeService("b", &log, nil))
	runner.AddService(newFakeService("c", &log, errBoom))
	runner.AddService(newFakeService("d", &log, nil))

	err := runner.Init(t.Context())
	assert.ErrorIs(err, errBoom)
	assert.ErrorContains(err, "c: init")

	assert.Equal([]string{"init a", "init b", "init c", "close b", "close a"}, log)

	// nothing left to close
	assert.NoError(runner.Close())
}

func Test_Runner_RunAfterClose(t *testing.T) {
	assert := assert.New(t)

	log := []string{}
	a := newFakeService("a", &log, nil)

	runner := NewRunner()
	runner.AddService(a)

	assert.NoError(runner.Init(t.Context()))
	assert.NoError(runner.Close())
	assert.NoError(runner.Close())

	runner.Run(t.Context())
	assert.False(a.running.Load())

	assert.Equal([]string{"init a", "close a"}, log)
}

func Test_Runner_CloseWhileStarting(t *testing.T) {
	for range 200 {
		log := []string{}
		a := newFakeService("a", &log, nil)

		runner := NewRunner()
		runner.AddService(a)
		if !assert.NoError(t, runner.Init(t.Context())) {
			return
		}

		ctx, cancel := context.WithCancel(t.Context())

		started := make(chan struct{})
		go func() {
			defer close(started)
			runner.Run(ctx)
		}()

		cancel()
		assert.NoError(t, runner.Close())

		<-started
	}
}
