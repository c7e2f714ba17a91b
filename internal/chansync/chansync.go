// Package chansync holds channel based synchronization primitives that can be
// selected on alongside other channels.
package chansync

import (
	"sync"
	"sync/atomic"
)

type (
	Signaled <-chan struct{}
	Done     <-chan struct{}
)

// BroadcastCond wakes every waiter each time Broadcast is called.
// The zero value is ready for use.
type BroadcastCond struct {
	mu sync.Mutex
	ch chan struct{}
}

func (t *BroadcastCond) Broadcast() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		close(t.ch)
		t.ch = nil
	}
}

// Signaled must be obtained before releasing the lock protecting the
// condition, otherwise a broadcast can be missed.
func (t *BroadcastCond) Signaled() Signaled {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		t.ch = make(chan struct{})
	}
	return t.ch
}

// SetOnce is a boolean value that can only be flipped from false to true.
type SetOnce struct {
	ch        chan struct{}
	closed    atomic.Bool
	initOnce  sync.Once
	closeOnce sync.Once
}

// Done returns a channel that is closed once Set is called.
func (t *SetOnce) Done() Done {
	t.init()
	return t.ch
}

func (t *SetOnce) init() {
	t.initOnce.Do(func() {
		t.ch = make(chan struct{})
	})
}

// Set only returns true the first time it is called.
func (t *SetOnce) Set() (first bool) {
	t.closeOnce.Do(func() {
		t.init()
		first = true
		t.closed.Store(true)
		close(t.ch)
	})
	return first
}

func (t *SetOnce) IsSet() bool {
	return t.closed.Load()
}
