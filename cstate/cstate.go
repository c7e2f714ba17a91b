// Package cstate drives small synchronous state machines. each state returns
// its successor; a nil successor ends the run.
package cstate

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
)

type logger interface {
	Println(v ...any)
	Printf(format string, v ...any)
	Print(v ...any)
}

type Shared struct {
	done context.CancelCauseFunc
	log  logger
}

type T interface {
	Update(context.Context, *Shared) T
}

// Failure terminates the run with the provided cause.
func Failure(cause error) failed {
	return failed{cause: cause}
}

type failed struct {
	cause error
}

func (t failed) Update(ctx context.Context, c *Shared) T {
	c.done(t.cause)
	return nil
}

func (t failed) String() string {
	return fmt.Sprintf("%T - %s", t, t.cause)
}

// Warning logs the cause and proceeds to next.
func Warning(next T, cause error) warning {
	return warning{next: next, cause: cause}
}

type warning struct {
	cause error
	next  T
}

func (t warning) Update(ctx context.Context, c *Shared) T {
	c.log.Println("[warning]", t.cause)
	return t.next
}

func (t warning) String() string {
	return fmt.Sprintf("%T - %T", t, t.cause)
}

// Halt terminates the run successfully.
func Halt() halt {
	return halt{}
}

type halt struct{}

func (t halt) Update(ctx context.Context, c *Shared) T {
	c.done(nil)
	return nil
}

// When runs next if cond holds, otherwise skips to otherwise.
func When(cond bool, next T, otherwise T) T {
	if cond {
		return next
	}

	return otherwise
}

func Fn(fn fn) fn {
	return fn
}

type fn func(context.Context, *Shared) T

func (t fn) Update(ctx context.Context, s *Shared) T {
	return t(ctx, s)
}

func (t fn) String() string {
	pc := reflect.ValueOf(t).Pointer()
	info := runtime.FuncForPC(pc)
	fname, line := info.FileLine(pc)
	return fmt.Sprintf("%s:%d", fname, line)
}

// Run the state machine until a state returns nil or the context is done.
func Run(ctx context.Context, s T, l logger) error {
	ctx, cancelled := context.WithCancelCause(ctx)
	defer cancelled(nil)

	m := Shared{
		done: cancelled,
		log:  l,
	}

	for s != nil {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		default:
		}

		l.Printf("%s - %T\n", s, s)
		s = s.Update(ctx, &m)
	}

	// Halt cancels with a nil cause which surfaces as context.Canceled.
	if err := context.Cause(ctx); err != nil && err != context.Canceled {
		return err
	}

	return nil
}
