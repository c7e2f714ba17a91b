// Package asynccompute runs workloads on a fixed set of goroutines.
package asynccompute

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/james-lawrence/peerwire/internal/errorsx"
	"github.com/james-lawrence/peerwire/internal/langx"
)

// pool of workers
type Pool[T any] struct {
	workers  int
	shutdown sync.WaitGroup
	async    func(ctx context.Context, w T) error
	queued   chan pending
	inflight atomic.Int64
	failed   atomic.Pointer[error]
}

// Run queues the workload, blocking while the backlog is full.
func (t *Pool[T]) Run(ctx context.Context, w T) error {
	t.inflight.Add(1)
	select {
	case t.queued <- pending{workload: func() error { return t.async(ctx, w) }}:
		return nil
	case <-ctx.Done():
		t.inflight.Add(-1)
		return context.Cause(ctx)
	}
}

// Inflight number of workloads queued or running.
func (t *Pool[T]) Inflight() int64 {
	return t.inflight.Load()
}

// Close stops accepting work and waits for the queue to drain.
// returns the first error any workload produced.
func (t *Pool[T]) Close() error {
	close(t.queued)
	t.shutdown.Wait()
	return langx.Autoderef(t.failed.Load())
}

func (t *Pool[T]) init() *Pool[T] {
	t.shutdown.Add(t.workers)
	for i := 0; i < t.workers; i++ {
		go func() {
			defer t.shutdown.Done()
			for pending := range t.queued {
				if err := pending.workload(); err != nil {
					t.failed.CompareAndSwap(nil, langx.Autoptr(err))
				}
				t.inflight.Add(-1)
			}
		}()
	}

	return t
}

type pending struct {
	workload func() error
}

type Option[T any] func(*Pool[T])

func Backlog[T any](n uint16) Option[T] {
	return func(p *Pool[T]) {
		p.queued = make(chan pending, n)
	}
}

func Workers[T any](n uint16) Option[T] {
	return func(p *Pool[T]) {
		p.workers = max(1, int(n))
	}
}

func New[T any](async func(ctx context.Context, w T) error, options ...Option[T]) *Pool[T] {
	return langx.Autoptr(langx.Clone(Pool[T]{
		workers: runtime.NumCPU(),
		queued:  make(chan pending, runtime.NumCPU()),
		async:   async,
	}, options...)).init()
}

// Shutdown gracefully by invoking close and waiting until all workers
// complete or the context times out.
func Shutdown[T any](ctx context.Context, p *Pool[T]) error {
	dctx, cancelled := context.WithCancelCause(ctx)
	go func() {
		cancelled(p.Close())
	}()

	<-dctx.Done()
	return errorsx.Ignore(context.Cause(dctx), context.Canceled)
}
