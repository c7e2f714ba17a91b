package atomicx_test

import (
	"testing"

	"github.com/james-lawrence/peerwire/internal/atomicx"
	"github.com/stretchr/testify/require"
)

func TestRefsReleaseAfterSeal(t *testing.T) {
	released := 0
	r := atomicx.NewRefs(func() { released++ })
	r.Acquire()
	r.Acquire()
	require.False(t, r.Seal())
	require.False(t, r.Release())
	require.Equal(t, 0, released)
	require.True(t, r.Release())
	require.Equal(t, 1, released)
	require.False(t, r.Seal())
	require.Equal(t, 1, released)
}

func TestRefsSealWithoutHolders(t *testing.T) {
	released := 0
	r := atomicx.NewRefs(func() { released++ })
	require.True(t, r.Seal())
	require.False(t, r.Seal())
	require.Equal(t, 1, released)
}

func TestRefsUnsealedNeverFires(t *testing.T) {
	r := atomicx.NewRefs(func() { t.Fatal("unexpected release") })
	r.Acquire()
	require.False(t, r.Release())
	require.Equal(t, int64(0), r.Count())
}
