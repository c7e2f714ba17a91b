package peerwire

import (
	"github.com/james-lawrence/peerwire/btprotocol"
	"github.com/james-lawrence/peerwire/disk"
	"github.com/james-lawrence/peerwire/internal/errorsx"
)

// write encodes msg into the send buffer.
func (c *Connection) write(msg btprotocol.Message) {
	if c.state >= StateDisconnecting {
		return
	}

	encoded, err := c.framer.Encode(msg)
	if err != nil {
		c.cfg.errors().Println(errorsx.Wrapf(err, "%s unable to encode %s", c, msg.Type))
		return
	}

	c.sb.Append(encoded)
	c.setupSend()
}

// setupSend issues the next write when none is in flight. quota is debited
// when the write is issued.
func (c *Connection) setupSend() {
	if c.writing || c.sb.Empty() || c.state < StateConnected || c.state >= StateDisconnecting {
		return
	}

	quota := c.choke.quota[ChannelUpload]
	if quota <= 0 {
		c.RequestBandwidth(ChannelUpload)
		return
	}

	n := min(quota, c.sb.Size())
	c.choke.consume(ChannelUpload, n)
	c.writing = true
	c.issued = n
	c.transport.AsyncWrite(c.sb.Build(n), async2(c, c.onSendData))
}

func (c *Connection) onSendData(n int, err error) {
	c.writing = false

	if c.state >= StateDisconnecting {
		c.sb.Clear()
		return
	}

	if err != nil {
		c.Disconnect(TransportFailure(errorsx.Wrap(err, "write failed")), OpWrite)
		return
	}

	if short := c.issued - n; short > 0 {
		c.choke.quota[ChannelUpload] += short
		c.choke.round[ChannelUpload] -= int64(short)
	}

	payload, protocol := c.sb.PopFront(n)
	c.stats.SentPayload(payload)
	c.stats.SentProtocol(protocol)
	c.lastSend = c.cfg.now()

	c.fillSendBuffer()
	c.setupSend()
}

// fillSendBuffer reads queued uploads from disk while the send buffer is
// below its watermark.
func (c *Connection) fillSendBuffer() {
	if c.t == nil || c.t.disk == nil || c.state != StateEstablished {
		return
	}

	for len(c.uploads) > 0 && c.sb.Size()+c.readingBytes < c.cfg.SendBufferWatermark {
		r := c.uploads[0]
		if c.choke.amChoking && !c.availability.AcceptsFast(uint32(r.Index)) {
			return
		}

		c.uploads = c.uploads[1:]
		c.readingBytes += int(r.Length)
		c.t.disk.AsyncRead(
			disk.Request{Piece: uint32(r.Index), Begin: uint32(r.Begin), Length: uint32(r.Length)},
			async2(c, func(b *disk.Buffer, err error) { c.onDiskRead(r, b, err) }),
		)
	}
}

func (c *Connection) onDiskRead(r btprotocol.RequestSpec, b *disk.Buffer, err error) {
	c.readingBytes -= int(r.Length)

	if c.state >= StateDisconnecting {
		b.Release()
		return
	}

	if err != nil {
		b.Release()
		c.reject(r)
		c.diskFailed(err, OpDiskRead)
		return
	}

	header, err := c.framer.Encode(btprotocol.Message{Type: btprotocol.Piece, Index: r.Index, Begin: r.Begin, Length: btprotocol.Integer(b.Len())})
	if err != nil {
		b.Release()
		c.cfg.errors().Println(errorsx.Wrapf(err, "%s unable to encode piece header", c))
		return
	}

	c.sb.Append(header)
	c.sb.AppendBuffer(b.Bytes(), b.Release)
	c.setupSend()
}

// diskFailed counts a disk failure, disconnecting once the peer saw too many.
func (c *Connection) diskFailed(err error, op Operation) {
	c.diskFailures++
	c.cfg.errors().Println(errorsx.Wrapf(err, "%s disk failure %d/%d", c, c.diskFailures, c.cfg.MaxDiskFailures))

	if c.diskFailures <= c.cfg.MaxDiskFailures {
		return
	}

	c.Disconnect(DiskFailure(err), op)
}

// announcePiece tells the peer about a piece we completed, unless it already
// has it.
func (c *Connection) announcePiece(piece uint32) {
	if c.state != StateEstablished || c.availability.Has(piece) {
		return
	}

	c.write(btprotocol.NewHavePiece(uint64(piece)))
}

// superseedPiece replaces an offered piece with next, announcing next as if
// it were the only piece we hold.
func (c *Connection) superseedPiece(replace, next int) {
	c.availability.SuperseedPiece(replace, next)
	if next >= 0 {
		c.write(btprotocol.NewHavePiece(uint64(next)))
	}
}

// Suggest a piece to the peer.
func (c *Connection) Suggest(piece uint32) {
	if c.state != StateEstablished || !c.handshake.Fast || c.availability.Has(piece) {
		return
	}

	c.write(btprotocol.NewSuggest(piece))
}
