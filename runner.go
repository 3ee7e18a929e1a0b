package scullp

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Service is an auxiliary component driven by a Runner,
// e.g. the attribute directory, the stream server or a bridge.
type Service interface {
	// Name identifies the service in errors.
	Name() string
	// Init initializes the service.
	Init(ctx context.Context) error
	// Run runs the service until ctx is done or the service is closed.
	Run(ctx context.Context)
	// Close closes (forever) the service.
	Close() error
}

// Runner drives a set of services.
type Runner struct {
	mux      sync.Mutex
	services []Service
	inited   []Service

	wg        *sync.WaitGroup
	isRunning bool
	isClosed  bool
}

// NewRunner returns a new runner.
func NewRunner() *Runner {
	return &Runner{
		services: []Service{},

		wg:        &sync.WaitGroup{},
		isRunning: false,
	}
}

// AddService adds a service to the runner.
// Services are initialized in order and closed in reverse order.
// It has no effect once the runner is running or closed.
func (r *Runner) AddService(svc Service) {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.isRunning || r.isClosed {
		return
	}

	r.services = append(r.services, svc)
}

// Init initializes all the services. When one fails,
// the services initialized before it are closed.
func (r *Runner) Init(ctx context.Context) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.isClosed {
		return fmt.Errorf("runner: closed")
	}

	for _, svc := range r.services {
		if err := svc.Init(ctx); err != nil {
			var errs *multierror.Error
			errs = multierror.Append(errs, fmt.Errorf("%s: init: %w", svc.Name(), err))

			for _, prev := range slices.Backward(r.inited) {
				if err := prev.Close(); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: close: %w", prev.Name(), err))
				}
			}
			r.inited = nil

			return errs.ErrorOrNil()
		}

		r.inited = append(r.inited, svc)
	}

	return nil
}

// Run runs all the initialized services and returns.
// It will spawn a goroutine for each service.
// Running a runner twice, or after Close, has no effect.
func (r *Runner) Run(ctx context.Context) {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.isRunning || r.isClosed {
		return
	}
	r.isRunning = true

	r.wg.Add(len(r.inited))

	for _, svc := range r.inited {
		go func() {
			defer r.wg.Done()
			svc.Run(ctx)
		}()
	}
}

// Close closes all the services in reverse order.
// It blocks until all the services have returned from Run.
func (r *Runner) Close() error {
	r.mux.Lock()
	if r.isClosed {
		r.mux.Unlock()
		return nil
	}
	r.isClosed = true

	inited := r.inited
	r.inited = nil
	r.mux.Unlock()

	var errs *multierror.Error

	for _, svc := range slices.Backward(inited) {
		if err := svc.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: close: %w", svc.Name(), err))
		}
	}

	r.wg.Wait()

	return errs.ErrorOrNil()
}
