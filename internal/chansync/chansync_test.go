package chansync_test

import (
	"testing"

	"github.com/james-lawrence/peerwire/internal/chansync"
	"github.com/stretchr/testify/require"
)

func TestSetOnce(t *testing.T) {
	var s chansync.SetOnce
	require.False(t, s.IsSet())
	done := s.Done()
	require.True(t, s.Set())
	require.False(t, s.Set())
	require.True(t, s.IsSet())
	select {
	case <-done:
	default:
		t.Fatal("expected done to be closed")
	}
}

func TestBroadcastCond(t *testing.T) {
	var c chansync.BroadcastCond
	sig := c.Signaled()
	select {
	case <-sig:
		t.Fatal("unexpected signal")
	default:
	}
	c.Broadcast()
	<-sig
	select {
	case <-c.Signaled():
		t.Fatal("new waiters must not observe old broadcasts")
	default:
	}
}
