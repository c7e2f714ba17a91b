package peerwire

import (
	"context"
	"sync"
)

// NewLoop single consumer task queue. Post never blocks.
func NewLoop() *Loop {
	return &Loop{
		signal: make(chan struct{}, 1),
	}
}

type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	signal chan struct{}
}

func (t *Loop) Post(fn func()) {
	t.mu.Lock()
	t.tasks = append(t.tasks, fn)
	t.mu.Unlock()

	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Drain runs queued tasks, including tasks they post, until the queue is
// empty. returns the number of tasks run.
func (t *Loop) Drain() (n int) {
	for {
		t.mu.Lock()
		tasks := t.tasks
		t.tasks = nil
		t.mu.Unlock()

		if len(tasks) == 0 {
			return n
		}

		for _, fn := range tasks {
			fn()
		}
		n += len(tasks)
	}
}

// Run tasks until the context is done.
func (t *Loop) Run(ctx context.Context) error {
	for {
		t.Drain()

		select {
		case <-t.signal:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
