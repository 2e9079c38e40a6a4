// Package conductor exposes the public operations of one conductor.
//
// A Service validates operator requests synchronously, takes the node's
// reservation and hands long running work to a bounded worker pool, so every
// mutating call returns as soon as the request is accepted. Background
// sweeps fail timed out flows, recover reservations of dead conductors and
// keep power state in sync.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/internal/config"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/executor"
	"github.com/imamik/metalconductor/internal/hashring"
	"github.com/imamik/metalconductor/internal/heartbeat"
	"github.com/imamik/metalconductor/internal/notify"
	"github.com/imamik/metalconductor/internal/steps"
	"github.com/imamik/metalconductor/internal/store"
	"github.com/imamik/metalconductor/internal/task"
)

// Options configures a Service.
type Options struct {
	// Name is the conductor's ring member name and reservation string.
	Name       string
	Store      store.Store
	Membership *hashring.Membership
	Drivers    *drivers.Registry
	Steps      *steps.Registry

	// Workers bounds concurrently running flows.
	Workers  int
	Timeouts *config.Timeouts

	Clock          clock.Clock
	Observer       notify.Observer
	TracerProvider trace.TracerProvider
	Logger         logr.Logger
}

// Service is one conductor.
type Service struct {
	name     string
	store    store.Store
	members  *hashring.Membership
	drivers  *drivers.Registry
	steps    *steps.Registry
	tasks    *task.Manager
	exec     *executor.Executor
	router   *heartbeat.Router
	pool     *Pool
	clock    clock.Clock
	observer notify.Observer
	timeouts *config.Timeouts

	// seenRing is the ring the last take over pass ran against.
	ringMu    sync.Mutex
	seenRing  *hashring.Ring
	rebalance chan struct{}
}

// New wires a conductor. It does not join the ring; call Start.
func New(opts Options) (*Service, error) {
	if opts.Name == "" {
		return nil, errors.New("conductor name is required")
	}
	if opts.Store == nil || opts.Membership == nil || opts.Drivers == nil {
		return nil, errors.New("store, membership and drivers are required")
	}
	if opts.Steps == nil {
		opts.Steps = steps.NewRegistry(nil)
	}
	if opts.Timeouts == nil {
		opts.Timeouts = config.LoadTimeouts()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Observer == nil {
		opts.Observer = notify.LogObserver{}
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = log.Log.WithName("conductor")
	}

	s := &Service{
		name:     opts.Name,
		store:    opts.Store,
		members:  opts.Membership,
		drivers:  opts.Drivers,
		steps:    opts.Steps,
		clock:    opts.Clock,
		observer: opts.Observer,
		timeouts: opts.Timeouts,

		seenRing:  opts.Membership.Ring(),
		rebalance: make(chan struct{}, 1),
	}

	s.tasks = task.NewManager(opts.Name, opts.Store, opts.Membership, opts.Drivers,
		task.WithClock(opts.Clock),
		task.WithLockRetry(opts.Timeouts.LockRetries, opts.Timeouts.LockRetryDelay),
	)

	execOpts := []executor.Option{
		executor.WithClock(opts.Clock),
		executor.WithObserver(opts.Observer),
		executor.WithTimeouts(executor.Timeouts{
			Default: opts.Timeouts.Callback,
			PerKind: opts.Timeouts.CallbackTimeouts(),
		}),
	}
	if opts.TracerProvider != nil {
		execOpts = append(execOpts, executor.WithTracerProvider(opts.TracerProvider))
	}
	s.exec = executor.New(opts.Steps, execOpts...)

	s.pool = NewPool(log.IntoContext(context.Background(), opts.Logger.WithValues("worker", opts.Name)), opts.Workers)
	s.router = heartbeat.NewRouter(opts.Store, s.tasks, s.exec, s.pool, opts.Clock, opts.Observer)

	opts.Membership.Subscribe(s.onRingChange)
	return s, nil
}

// Name returns the conductor's member name.
func (s *Service) Name() string { return s.name }

// Start joins the ring, recovers reservations left by a previous run of
// this conductor and runs the periodic sweeps until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithValues("worker", s.name)
	ctx = log.IntoContext(ctx, logger)

	s.Join(ctx, s.name)

	resumed, failed, err := s.tasks.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover reservations: %w", err)
	}
	logger.Info("conductor started", "resumedFlows", resumed, "failedFlows", failed, "workers", s.pool.size)

	s.runSweeps(ctx)
	return nil
}

// Stop leaves the ring and waits for running work until ctx expires.
// Flows parked on an agent keep their reservation and resume after a
// restart under the same name.
func (s *Service) Stop(ctx context.Context) error {
	s.Leave(ctx, s.name)
	return s.pool.Shutdown(ctx)
}

// Wait blocks until all work submitted so far has returned.
func (s *Service) Wait() {
	s.pool.Wait()
}

// Ready reports whether the conductor is a ring member.
func (s *Service) Ready() error {
	if !s.members.IsMember(s.name) {
		return fmt.Errorf("conductor %s has not joined the ring", s.name)
	}
	return nil
}

// Tasks exposes the task manager.
func (s *Service) Tasks() *task.Manager { return s.tasks }

// Executor exposes the step executor.
func (s *Service) Executor() *executor.Executor { return s.exec }

func (s *Service) emit(ctx context.Context, ev notify.Event) {
	if ev.Conductor == "" {
		ev.Conductor = s.name
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now().UTC()
	}
	s.observer.Event(ctx, ev)
}
