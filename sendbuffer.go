package peerwire

import (
	"net"

	list "github.com/bahlo/generic-list-go"
)

// appendix capacity of segments allocated for small protocol messages.
const appendixSize = 1024

type segment struct {
	buf   []byte
	start int
	used  int
	free  func()
}

func (t *segment) pending() []byte {
	return t.buf[t.start : t.start+t.used]
}

// sendBuffer chain of segments queued for the socket. segments handed over
// with AppendBuffer are released through their destructor once sent.
type sendBuffer struct {
	chain    list.List[*segment]
	bytes    int
	capacity int
}

func (t *sendBuffer) Size() int {
	return t.bytes
}

func (t *sendBuffer) Capacity() int {
	return t.capacity
}

func (t *sendBuffer) Empty() bool {
	return t.bytes == 0
}

// spaceInLast bytes available at the end of the last segment.
func (t *sendBuffer) spaceInLast() int {
	e := t.chain.Back()
	if e == nil || e.Value.free != nil {
		return 0
	}

	return len(e.Value.buf) - e.Value.start - e.Value.used
}

// Append copies b, filling the tail segment before allocating a new one.
func (t *sendBuffer) Append(b []byte) {
	if n := min(len(b), t.spaceInLast()); n > 0 {
		s := t.chain.Back().Value
		copy(s.buf[s.start+s.used:], b[:n])
		s.used += n
		t.bytes += n
		b = b[n:]
	}

	if len(b) == 0 {
		return
	}

	buf := make([]byte, max(len(b), appendixSize))
	copy(buf, b)
	t.chain.PushBack(&segment{buf: buf, used: len(b)})
	t.bytes += len(b)
	t.capacity += len(buf)
}

// AppendBuffer takes ownership of b without copying. free runs once every
// byte of b was popped, or on Clear.
func (t *sendBuffer) AppendBuffer(b []byte, free func()) {
	if free == nil {
		free = func() {}
	}

	if len(b) == 0 {
		free()
		return
	}

	t.chain.PushBack(&segment{buf: b, used: len(b), free: free})
	t.bytes += len(b)
	t.capacity += len(b)
}

// PopFront discards n sent bytes, reporting how many of them came from
// buffers handed over with AppendBuffer.
func (t *sendBuffer) PopFront(n int) (payload int, protocol int) {
	account := func(s *segment, n int) {
		if s.free != nil {
			payload += n
		} else {
			protocol += n
		}
	}

	for n > 0 {
		e := t.chain.Front()
		if e == nil {
			return payload, protocol
		}

		s := e.Value
		if s.used > n {
			account(s, n)
			s.start += n
			s.used -= n
			t.bytes -= n
			return payload, protocol
		}

		account(s, s.used)
		n -= s.used
		t.bytes -= s.used
		t.capacity -= len(s.buf)
		t.chain.Remove(e)
		if s.free != nil {
			s.free()
		}
	}

	return payload, protocol
}

// Build vectored view of the first n bytes.
func (t *sendBuffer) Build(n int) (bufs net.Buffers) {
	for e := t.chain.Front(); e != nil && n > 0; e = e.Next() {
		p := e.Value.pending()
		if len(p) > n {
			p = p[:n]
		}
		bufs = append(bufs, p)
		n -= len(p)
	}

	return bufs
}

// Clear drops every segment, running destructors.
func (t *sendBuffer) Clear() {
	for e := t.chain.Front(); e != nil; e = t.chain.Front() {
		t.chain.Remove(e)
		if e.Value.free != nil {
			e.Value.free()
		}
	}

	t.bytes, t.capacity = 0, 0
}
