package peerwire

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/james-lawrence/peerwire/internal/langx"
	"github.com/james-lawrence/peerwire/internal/netx"
)

// DialFunc reaches a peer over one network.
type DialFunc = netx.DialerFn

type DialerOption func(*Dialer)

// DialerOptionNetworks dialed concurrently for every peer, the first to
// connect wins. defaults to plain tcp.
func DialerOptionNetworks(networks ...DialFunc) DialerOption {
	return func(d *Dialer) {
		d.networks = nil
		for _, n := range networks {
			d.networks = append(d.networks, n)
		}
	}
}

func DialerOptionTimeout(timeout time.Duration) DialerOption {
	return func(d *Dialer) {
		d.timeout = timeout
	}
}

// NewDialer with a pool of workers shared by every outgoing connection.
func NewDialer(workers uint16, options ...DialerOption) *Dialer {
	var tcp net.Dialer
	return langx.Autoptr(langx.Clone(Dialer{
		racing:  netx.NewRacing(workers),
		timeout: 20 * time.Second,
		networks: []netx.Network{
			netx.DialerFn(func(ctx context.Context, addr string) (net.Conn, error) {
				return tcp.DialContext(ctx, "tcp", addr)
			}),
		},
	}, options...))
}

// Dialer produces transports for outgoing connections.
type Dialer struct {
	racing   *netx.RacingDialer
	timeout  time.Duration
	networks []netx.Network
}

// Transport connecting to remote once the connection is allowed to connect.
func (t *Dialer) Transport(remote netip.AddrPort) Transport {
	return netx.NewTransport(func(ctx context.Context) (net.Conn, error) {
		return t.racing.Dial(ctx, t.timeout, remote.String(), t.networks...)
	})
}

// AcceptedTransport wraps a connection accepted by a listener.
func AcceptedTransport(c net.Conn) Transport {
	return netx.Accepted(c)
}
