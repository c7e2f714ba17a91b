// Package timex time helpers.
package timex

import (
	"sync"
	"time"
)

// Clock source of the current time.
type Clock interface {
	Now() time.Time
}

type system struct{}

func (system) Now() time.Time {
	return time.Now()
}

// System clock backed by time.Now.
func System() Clock {
	return system{}
}

// NewManual clock starting at ts, only moves when advanced.
func NewManual(ts time.Time) *Manual {
	return &Manual{ts: ts}
}

type Manual struct {
	mu sync.Mutex
	ts time.Time
}

func (t *Manual) Now() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ts
}

// Advance the clock by d and return the new time.
func (t *Manual) Advance(d time.Duration) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ts = t.ts.Add(d)
	return t.ts
}

// Milliseconds of d, never less than 1 so it can be used as a divisor.
func Milliseconds(d time.Duration) int64 {
	return max(1, d.Milliseconds())
}
