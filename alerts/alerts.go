// Package alerts is a bounded, categorized event queue. posting never blocks;
// alerts are dropped when the queue is full or their category is masked.
package alerts

import (
	"context"
	"sync"

	"github.com/james-lawrence/peerwire/internal/chansync"
	"github.com/james-lawrence/peerwire/internal/langx"
)

type Category uint32

const (
	CategoryError Category = 1 << iota
	CategoryPeer
	CategoryPiece
	CategoryBlock
	CategoryStatus
	CategoryStats
	CategoryProtocol

	CategoryAll Category = ^Category(0)
)

type Alert interface {
	Category() Category
	String() string
}

type Option func(*Queue)

// OptionMask categories delivered, defaults to CategoryError.
func OptionMask(m Category) Option {
	return func(q *Queue) {
		q.mask = m
	}
}

// OptionLimit maximum queued alerts.
func OptionLimit(n int) Option {
	return func(q *Queue) {
		q.limit = n
	}
}

// OptionDispatch delivers alerts to fn instead of queueing them. fn runs on
// the posting goroutine and must not block.
func OptionDispatch(fn func(Alert)) Option {
	return func(q *Queue) {
		q.dispatch = fn
	}
}

func New(options ...Option) *Queue {
	return langx.Autoptr(langx.Clone(Queue{
		mask:  CategoryError,
		limit: 1000,
	}, options...))
}

type Queue struct {
	mu       sync.Mutex
	cond     chansync.BroadcastCond
	mask     Category
	limit    int
	dispatch func(Alert)
	pending  []Alert
	dropped  uint64
}

// Post the alert. returns false when it was dropped.
func (t *Queue) Post(a Alert) bool {
	t.mu.Lock()
	if t.mask&a.Category() == 0 {
		t.mu.Unlock()
		return false
	}

	if dispatch := t.dispatch; dispatch != nil {
		t.mu.Unlock()
		dispatch(a)
		return true
	}

	if len(t.pending) >= t.limit {
		t.dropped++
		t.mu.Unlock()
		return false
	}

	t.pending = append(t.pending, a)
	t.mu.Unlock()
	t.cond.Broadcast()
	return true
}

// ShouldPost reports whether an alert of the category would be accepted.
// callers use it to avoid building alerts that would be dropped.
func (t *Queue) ShouldPost(c Category) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mask&c == 0 {
		return false
	}

	return t.dispatch != nil || len(t.pending) < t.limit
}

func (t *Queue) SetMask(m Category) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mask = m
}

func (t *Queue) Mask() Category {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mask
}

// SetLimit returns the previous limit.
func (t *Queue) SetLimit(n int) (previous int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	previous, t.limit = t.limit, n
	return previous
}

// Dropped alerts rejected because the queue was full.
func (t *Queue) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

func (t *Queue) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

// Pop every queued alert.
func (t *Queue) Pop() (all []Alert) {
	t.mu.Lock()
	defer t.mu.Unlock()
	all, t.pending = t.pending, nil
	return all
}

// Wait until an alert is queued or the context is done. returns the
// front of the queue without removing it.
func (t *Queue) Wait(ctx context.Context) (Alert, error) {
	for {
		t.mu.Lock()
		if len(t.pending) > 0 {
			a := t.pending[0]
			t.mu.Unlock()
			return a, nil
		}
		signaled := t.cond.Signaled()
		t.mu.Unlock()

		select {
		case <-signaled:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}
