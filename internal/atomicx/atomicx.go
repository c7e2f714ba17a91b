package atomicx

import (
	"sync"
	"sync/atomic"
)

func Bool(n bool) (r *atomic.Bool) {
	r = &atomic.Bool{}
	r.Store(n)
	return r
}

// NewRefs creates a reference count starting at 0. release is invoked exactly
// once, the first time the count drops back to zero after Seal.
func NewRefs(release func()) *Refs {
	return &Refs{release: release}
}

// Refs counts outstanding holders of a resource.
type Refs struct {
	n       atomic.Int64
	sealed  atomic.Bool
	once    sync.Once
	release func()
}

func (t *Refs) Acquire() {
	t.n.Add(1)
}

// Release drops a reference. returns true when the release callback fired.
func (t *Refs) Release() bool {
	if t.n.Add(-1) > 0 || !t.sealed.Load() {
		return false
	}

	return t.fire()
}

// Seal marks the resource as finished. once sealed the release callback fires
// when the count reaches zero, immediately if it already is.
func (t *Refs) Seal() bool {
	t.sealed.Store(true)
	if t.n.Load() > 0 {
		return false
	}

	return t.fire()
}

func (t *Refs) Count() int64 {
	return t.n.Load()
}

func (t *Refs) fire() (fired bool) {
	t.once.Do(func() {
		fired = true
		if t.release != nil {
			t.release()
		}
	})
	return fired
}
