package asynccompute_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/james-lawrence/peerwire/internal/asynccompute"
	"github.com/james-lawrence/peerwire/internal/errorsx"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsEveryWorkload(t *testing.T) {
	var total atomic.Int64
	p := asynccompute.New(func(ctx context.Context, n int64) error {
		total.Add(n)
		return nil
	}, asynccompute.Workers[int64](4), asynccompute.Backlog[int64](8))

	for i := int64(1); i <= 100; i++ {
		require.NoError(t, p.Run(context.Background(), i))
	}

	require.NoError(t, p.Close())
	require.Equal(t, int64(5050), total.Load())
	require.Equal(t, int64(0), p.Inflight())
}

func TestPoolReportsFirstFailure(t *testing.T) {
	cause := errorsx.String("boom")
	p := asynccompute.New(func(ctx context.Context, n int) error {
		return cause
	}, asynccompute.Workers[int](1))

	require.NoError(t, p.Run(context.Background(), 1))
	require.ErrorIs(t, asynccompute.Shutdown(context.Background(), p), cause)
}
