// Package errorsx extends the standard errors package with the helpers used
// throughout the engine. stack annotated errors come from github.com/pkg/errors.
package errorsx

import (
	"errors"
	"fmt"
	"log"
	"time"

	perrors "github.com/pkg/errors"
)

// String useful wrapper for turning string constants
// into errors that interopt well with stdlib functionality.
type String string

func (t String) Error() string {
	return string(t)
}

// New error with a stack trace.
func New(msg string) error {
	return perrors.New(msg)
}

// Errorf formats an error with a stack trace.
func Errorf(format string, args ...any) error {
	return perrors.Errorf(format, args...)
}

// Wrap annotates the cause with a message, nil in nil out.
func Wrap(err error, msg string) error {
	return perrors.Wrap(err, msg)
}

// Wrapf annotates the cause with a formatted message, nil in nil out.
func Wrapf(err error, format string, args ...any) error {
	return perrors.Wrapf(err, format, args...)
}

// WithStack records the stack at the point it was called.
func WithStack(err error) error {
	return perrors.WithStack(err)
}

// Zero logs that the error occurred but otherwise ignores it.
func Zero[T any](v T, err error) T {
	if err == nil {
		return v
	}

	if cause := log.Output(2, fmt.Sprintln(err)); cause != nil {
		panic(cause)
	}

	return v
}

// LogErr logs the error if non-nil and returns it.
func LogErr(err error) error {
	if err == nil {
		return nil
	}

	if cause := log.Output(2, fmt.Sprintln(err)); cause != nil {
		log.Println(cause)
	}

	return err
}

// Compact returns the first error in the set, if any.
func Compact(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

// returns nil if the error matches any of the targets
func Ignore(err error, targets ...error) error {
	for _, target := range targets {
		if errors.Is(err, target) {
			return nil
		}
	}

	return err
}

// returns true if the error matches any of the targets.
func Is(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// Timeout error.
type Timeout interface {
	error
	Timedout() time.Duration
}

// Timedout represents a timeout. the duration is a suggestion
// on how long to wait before attempting again.
func Timedout(cause error, d time.Duration) error {
	return timeout{
		error: cause,
		d:     d,
	}
}

// convert stdlib errors into timeout errors.
func StdlibTimeout(err error, d time.Duration, additional ...error) error {
	var (
		timedout Timeout
		stdlib   interface {
			error
			Timeout() bool
		}
	)

	if err == nil || errors.As(err, &timedout) {
		return err
	}

	if errors.As(err, &stdlib) && stdlib.Timeout() {
		return Timedout(err, d)
	}

	if Is(err, additional...) {
		return Timedout(err, d)
	}

	return err
}

type timeout struct {
	error
	d time.Duration
}

func (t timeout) Timedout() time.Duration {
	return t.d
}

func (t timeout) Timeout() bool {
	return true
}

func (t timeout) Unwrap() error {
	return t.error
}
