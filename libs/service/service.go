package service

import (
	"context"
	"errors"

	"go.uber.org/atomic"

	"github.com/tendermint/blockpuller/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service.
	ErrAlreadyStopped = errors.New("already stopped")
	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service defines a service that can be started and stopped.
type Service interface {
	// Start is called to start the service, which should run until
	// the context terminates. If the service is already running, Start
	// must report an error.
	Start(context.Context) error

	// Return true if the service is running
	IsRunning() bool

	// String representation of the service
	String() string

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation describes the implementation that the
// BaseService implementation wraps.
type Implementation interface {
	Service

	// Called by the Services Start Method
	OnStart(context.Context) error

	// Called when the service's context is canceled.
	OnStop()
}

/*
BaseService carries the start/stop bookkeeping shared by long running
components. A service runs until Stop is called or the context handed to
Start is canceled, whichever happens first. OnStart and OnStop are called at
most once each; if OnStart fails the service is not marked as started and
Start may be called again.

Typical usage:

	type Puller struct {
		service.BaseService
		// private fields
	}

	func NewPuller(logger log.Logger) *Puller {
		p := &Puller{}
		p.BaseService = *service.NewBaseService(logger, "Puller", p)
		return p
	}

	func (p *Puller) OnStart(ctx context.Context) error {
		go p.processEvents(ctx)
		return nil
	}

	func (p *Puller) OnStop() {}
*/
type BaseService struct {
	logger  log.Logger
	name    string
	started *atomic.Bool
	stopped *atomic.Bool
	quit    chan struct{}

	// The "subclass" of BaseService
	impl Implementation
}

// NewBaseService creates a new BaseService. A nil logger discards output.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BaseService{
		logger:  logger,
		name:    name,
		started: atomic.NewBool(false),
		stopped: atomic.NewBool(false),
		quit:    make(chan struct{}),
		impl:    impl,
	}
}

// Start starts the Service and calls its OnStart method. An error will be
// returned if the service is already running or stopped.
func (bs *BaseService) Start(ctx context.Context) error {
	if !bs.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if bs.stopped.Load() {
		bs.logger.Error("not starting service; already stopped", "service", bs.name, "impl", bs.impl.String())
		bs.started.Store(false)
		return ErrAlreadyStopped
	}

	bs.logger.Info("starting service", "service", bs.name, "impl", bs.impl.String())

	if err := bs.impl.OnStart(ctx); err != nil {
		bs.started.Store(false)
		return err
	}

	go func(ctx context.Context) {
		select {
		case <-bs.quit:
			// someone else explicitly called stop
			return
		case <-ctx.Done():
			if !bs.impl.IsRunning() {
				return
			}

			if err := bs.Stop(); err != nil {
				bs.logger.Error("stopped service",
					"err", err.Error(),
					"service", bs.name,
					"impl", bs.impl.String())
			}

			bs.logger.Info("stopped service",
				"service", bs.name,
				"impl", bs.impl.String())
		}
	}(ctx)

	return nil
}

// Stop calls OnStop and closes the quit channel. An error will be returned if
// the service is already stopped or was never started.
func (bs *BaseService) Stop() error {
	if !bs.stopped.CompareAndSwap(false, true) {
		return ErrAlreadyStopped
	}

	if !bs.started.Load() {
		bs.logger.Error("not stopping service; not started yet", "service", bs.name, "impl", bs.impl.String())
		bs.stopped.Store(false)
		return ErrNotStarted
	}

	bs.logger.Info("stopping service", "service", bs.name, "impl", bs.impl.String())
	bs.impl.OnStop()
	close(bs.quit)

	return nil
}

// IsRunning implements Service by returning true or false depending on the
// service's state.
func (bs *BaseService) IsRunning() bool {
	return bs.started.Load() && !bs.stopped.Load()
}

// Quit returns a channel that is closed once the service stops.
func (bs *BaseService) Quit() <-chan struct{} { return bs.quit }

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.quit }

// String implements Service by returning a string representation of the service.
func (bs *BaseService) String() string { return bs.name }
