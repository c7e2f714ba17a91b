package peerwire

import (
	"fmt"

	"github.com/james-lawrence/peerwire/disk"
)

// ReceiveBuffer assembles inbound packets. cursors are absolute offsets into
// buf with start <= pos <= end: start is the beginning of the packet being
// assembled, pos the bytes of that packet handed to the protocol layer and
// end the bytes physically received. a disk buffer can be attached for the
// payload of the current packet, bytes past the header then land in it
// directly.
type ReceiveBuffer struct {
	buf        []byte
	start      int
	pos        int
	end        int
	packetSize int

	disk     *disk.Buffer
	header   int
	diskRecv int
}

func NewReceiveBuffer(capacity int) ReceiveBuffer {
	return ReceiveBuffer{buf: make([]byte, capacity)}
}

func (t *ReceiveBuffer) check() {
	if !(0 <= t.start && t.start <= t.pos && t.pos <= t.end && t.end <= len(t.buf)) {
		panic(fmt.Sprintf("receive buffer cursors out of order: start(%d) pos(%d) end(%d) len(%d)", t.start, t.pos, t.end, len(t.buf)))
	}
}

func (t *ReceiveBuffer) advance() {
	limit := t.end
	if t.packetSize > 0 {
		inbuf := t.packetSize
		if t.disk != nil {
			inbuf = t.header
		}
		limit = min(t.end, t.start+inbuf)
	}
	t.pos = max(t.pos, limit)
	t.check()
}

// PacketSize declared size of the current packet, 0 when unknown.
func (t *ReceiveBuffer) PacketSize() int {
	return t.packetSize
}

// Progress bytes of the current packet received, including disk bytes.
func (t *ReceiveBuffer) Progress() int {
	return t.pos - t.start + t.diskRecv
}

// PacketFinished holds once every byte of the declared packet was received.
func (t *ReceiveBuffer) PacketFinished() bool {
	return t.packetSize > 0 && t.Progress() >= t.packetSize
}

// Pending bytes received but not yet consumed, starting at the current packet.
func (t *ReceiveBuffer) Pending() []byte {
	return t.buf[t.start:t.end]
}

// Packet bytes of the current packet held in the general buffer.
func (t *ReceiveBuffer) Packet() []byte {
	return t.buf[t.start:t.pos]
}

// Window space for the next read of at most max bytes. while a disk buffer is
// attached the window is the unfilled part of the payload.
func (t *ReceiveBuffer) Window(max int) []byte {
	if t.disk != nil && t.pos-t.start >= t.header {
		b := t.disk.Bytes()
		return b[t.diskRecv:min(len(b), t.diskRecv+max)]
	}

	if t.disk != nil {
		max = min(max, t.start+t.header-t.end)
	}

	if need := t.end + max; need > len(t.buf) {
		t.Normalize()
		if need = t.end + max; need > len(t.buf) {
			grown := make([]byte, need)
			copy(grown, t.buf[:t.end])
			t.buf = grown
		}
	}

	return t.buf[t.end : t.end+max]
}

// Received commits n bytes read into the last window.
func (t *ReceiveBuffer) Received(n int) {
	if t.disk != nil && t.pos-t.start >= t.header {
		t.diskRecv += n
		return
	}

	t.end += n
	t.advance()
}

// Reset declares the size of the packet starting at start.
func (t *ReceiveBuffer) Reset(packetSize int) {
	t.packetSize = packetSize
	t.pos = t.start
	t.advance()
}

// Cut consumes size bytes of the current packet and declares the size of
// the next, 0 when unknown.
func (t *ReceiveBuffer) Cut(size int, packetSize int) {
	t.start += size
	t.pos = t.start
	t.packetSize = 0
	t.diskRecv = 0
	t.header = 0
	if t.start == t.end {
		t.start, t.pos, t.end = 0, 0, 0
	}
	if packetSize > 0 {
		t.Reset(packetSize)
	}
	t.check()
}

// Normalize moves unconsumed bytes to the front of the buffer.
func (t *ReceiveBuffer) Normalize() {
	if t.start == 0 {
		return
	}

	n := copy(t.buf, t.buf[t.start:t.end])
	t.pos -= t.start
	t.end = n
	t.start = 0
	t.check()
}

// AttachDisk acquires a disk buffer for the last size bytes of the current
// packet. payload bytes already received are moved into it.
func (t *ReceiveBuffer) AttachDisk(size int) *disk.Buffer {
	if t.disk != nil {
		panic("disk buffer already attached")
	}

	t.header = t.packetSize - size
	t.disk = disk.Allocate(size)

	// payload bytes that arrived alongside the header.
	hdrEnd := t.start + t.header
	if extra := t.end - hdrEnd; extra > 0 {
		n := copy(t.disk.Bytes(), t.buf[hdrEnd:t.end])
		copy(t.buf[hdrEnd:], t.buf[hdrEnd+n:t.end])
		t.end -= n
		t.diskRecv = n
	}

	t.pos = min(t.end, hdrEnd)
	t.check()
	return t.disk
}

// DiskAttached reports whether the payload of the current packet is being
// received into a disk buffer.
func (t *ReceiveBuffer) DiskAttached() bool {
	return t.disk != nil
}

// ReleaseDisk hands ownership of the disk buffer to the caller.
func (t *ReceiveBuffer) ReleaseDisk() (b *disk.Buffer) {
	b, t.disk = t.disk, nil
	return b
}

// Close releases any disk buffer still held.
func (t *ReceiveBuffer) Close() {
	t.ReleaseDisk().Release()
	t.diskRecv = 0
}
