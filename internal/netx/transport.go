package netx

import (
	"context"
	"net"
	"sync"
)

// NewTransport dials lazily on Connect.
func NewTransport(dial func(context.Context) (net.Conn, error)) *Transport {
	ctx, done := context.WithCancelCause(context.Background())
	return &Transport{dial: dial, ctx: ctx, done: done}
}

// Accepted transport over an established connection.
func Accepted(c net.Conn) *Transport {
	t := NewTransport(func(context.Context) (net.Conn, error) { return c, nil })
	t.conn = c
	return t
}

// Transport asynchronous operations over a net.Conn. every operation runs on
// its own goroutine and completes exactly once.
type Transport struct {
	dial func(context.Context) (net.Conn, error)
	ctx  context.Context
	done context.CancelCauseFunc

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (t *Transport) Connect(done func(error)) {
	go func() {
		t.mu.Lock()
		connected := t.conn != nil
		t.mu.Unlock()

		if connected {
			done(nil)
			return
		}

		c, err := t.dial(t.ctx)
		if err != nil {
			done(err)
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = c.Close()
			done(net.ErrClosed)
			return
		}
		t.conn = c
		t.mu.Unlock()

		done(nil)
	}()
}

func (t *Transport) current() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.conn == nil {
		return nil, net.ErrClosed
	}

	return t.conn, nil
}

func (t *Transport) AsyncRead(b []byte, done func(int, error)) {
	go func() {
		c, err := t.current()
		if err != nil {
			done(0, err)
			return
		}

		done(c.Read(b))
	}()
}

func (t *Transport) AsyncWrite(bufs net.Buffers, done func(int, error)) {
	go func() {
		c, err := t.current()
		if err != nil {
			done(0, err)
			return
		}

		n, err := bufs.WriteTo(c)
		done(int(n), err)
	}()
}

// Close aborts a pending dial and unblocks outstanding operations.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true
	t.done(net.ErrClosed)
	if t.conn == nil {
		return nil
	}

	return t.conn.Close()
}
