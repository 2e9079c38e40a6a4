package conductor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/internal/errdefs"
)

// Pool runs conductor work on a bounded number of goroutines. It never
// queues: when every worker is busy new work is rejected with
// ErrNoFreeWorker so the caller can retry.
type Pool struct {
	sem  *semaphore.Weighted
	size int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool of size workers. Work runs with a context derived
// from ctx, which carries the logger and is cancelled by Shutdown.
func NewPool(ctx context.Context, size int) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   int64(size),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Slot is a reserved worker. Exactly one of Go or Cancel must be called.
type Slot struct {
	pool *Pool
	once sync.Once
}

// Reserve takes a worker without starting anything, so callers can refuse
// a request before changing any state.
func (p *Pool) Reserve(name string) (*Slot, error) {
	if !p.sem.TryAcquire(1) {
		poolRejected.Inc()
		return nil, fmt.Errorf("%s: %w", name, errdefs.ErrNoFreeWorker)
	}
	poolBusy.Inc()
	return &Slot{pool: p}, nil
}

// Go runs fn on the reserved worker.
func (s *Slot) Go(name string, fn func(ctx context.Context)) {
	s.once.Do(func() {
		p := s.pool
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.release()
			ctx := log.IntoContext(p.ctx, log.FromContext(p.ctx).WithValues("work", name))
			fn(ctx)
		}()
	})
}

// Cancel returns the worker unused.
func (s *Slot) Cancel() {
	s.once.Do(s.pool.release)
}

// Submit reserves a worker and runs fn on it.
func (p *Pool) Submit(name string, fn func(ctx context.Context)) error {
	slot, err := p.Reserve(name)
	if err != nil {
		return err
	}
	slot.Go(name, fn)
	return nil
}

// Wait blocks until all running work has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown cancels running work and waits for it until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workers still running at shutdown: %w", ctx.Err())
	}
}

func (p *Pool) release() {
	poolBusy.Dec()
	p.sem.Release(1)
}
