package cstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type testLogger struct {
	t *testing.T
}

func (tl testLogger) Print(v ...any) {
	tl.t.Log(v...)
}

func (tl testLogger) Printf(format string, v ...any) {
	tl.t.Logf(format, v...)
}

func (tl testLogger) Println(v ...any) {
	tl.t.Log(v...)
}

type captureLogger struct {
	testLogger
	captured []string
}

func (cl *captureLogger) Println(v ...any) {
	cl.captured = append(cl.captured, strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
	cl.testLogger.Println(v...)
}

func TestRunHalt(t *testing.T) {
	require.NoError(t, Run(context.Background(), Halt(), testLogger{t}))
}

func TestRunFailure(t *testing.T) {
	expected := errors.New("test failure")
	require.ErrorIs(t, Run(context.Background(), Failure(expected), testLogger{t}), expected)
}

func TestRunWarning(t *testing.T) {
	cl := &captureLogger{testLogger: testLogger{t}}
	require.NoError(t, Run(context.Background(), Warning(Halt(), errors.New("test warning")), cl))
	require.Equal(t, []string{"[warning] test warning"}, cl.captured)
}

func TestRunFnSequence(t *testing.T) {
	var visited []int
	step := func(i int, next T) T {
		return Fn(func(context.Context, *Shared) T {
			visited = append(visited, i)
			return next
		})
	}

	require.NoError(t, Run(context.Background(), step(1, step(2, When(false, step(3, nil), step(4, nil)))), testLogger{t}))
	require.Equal(t, []int{1, 2, 4}, visited)
}

func TestRunCancelledContext(t *testing.T) {
	ctx, done := context.WithCancel(context.Background())
	done()
	require.ErrorIs(t, Run(ctx, Fn(func(context.Context, *Shared) T {
		t.Fatal("state should not run")
		return nil
	}), testLogger{t}), context.Canceled)
}
