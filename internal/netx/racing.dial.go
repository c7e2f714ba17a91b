package netx

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/james-lawrence/peerwire/internal/asynccompute"
	"github.com/james-lawrence/peerwire/internal/errorsx"
)

const ErrNoNetworks = errorsx.String("no networks to dial")

// Network a way of reaching a peer, tcp, utp, a proxy.
type Network interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

type DialerFn func(ctx context.Context, addr string) (net.Conn, error)

func (t DialerFn) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return t(ctx, addr)
}

// NewRacing pool of n goroutines dialing peers over every provided network at
// once. the first connection established wins, the rest are closed.
func NewRacing(n uint16) *RacingDialer {
	return &RacingDialer{
		arena: asynccompute.New(func(ctx context.Context, w racingdialworkload) error {
			select {
			case <-ctx.Done():
				w.lost(context.Cause(ctx))
				return nil
			default:
			}

			c, err := w.network.Dial(ctx, w.address)
			if err != nil {
				w.lost(err)
				return nil
			}

			w.won(c)
			return nil
		}, asynccompute.Backlog[racingdialworkload](n), asynccompute.Workers[racingdialworkload](n)),
	}
}

// race shared by every network dialing the same address.
type race struct {
	address   string
	done      context.CancelCauseFunc
	mu        sync.Mutex
	remaining int
	failed    error
	conn      net.Conn
	settled   bool
}

func (t *race) won(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.settled || t.conn != nil {
		errorsx.LogErr(c.Close())
		return
	}

	t.conn = c
	t.done(nil)
}

func (t *race) lost(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failed == nil {
		t.failed = err
	}

	if t.remaining--; t.remaining == 0 && t.conn == nil {
		t.done(t.failed)
	}
}

// settle stops accepting connections, returning the winner or the first
// failure.
func (t *race) settle() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settled = true
	return t.conn, t.failed
}

type racingdialworkload struct {
	*race
	network Network
}

type RacingDialer struct {
	arena *asynccompute.Pool[racingdialworkload]
}

// Dial the address over every network, waiting at most timeout.
func (t RacingDialer) Dial(ctx context.Context, timeout time.Duration, address string, networks ...Network) (net.Conn, error) {
	if len(networks) == 0 {
		return nil, ErrNoNetworks
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, done := context.WithCancelCause(ctx)
	defer done(nil)

	r := &race{address: address, done: done, remaining: len(networks)}
	for _, n := range networks {
		if err := t.arena.Run(ctx, racingdialworkload{race: r, network: n}); err != nil {
			r.settle()
			return nil, err
		}
	}

	<-ctx.Done()
	c, failed := r.settle()
	if c != nil {
		return c, nil
	}

	return nil, errorsx.Compact(context.Cause(ctx), failed)
}
