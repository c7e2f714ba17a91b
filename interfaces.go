package peerwire

import (
	"net"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/james-lawrence/peerwire/alerts"
	"github.com/james-lawrence/peerwire/btprotocol"
	"github.com/james-lawrence/peerwire/disk"
)

// Transport asynchronous byte stream to a single peer. every operation
// completes exactly once; callbacks may run on any goroutine.
type Transport interface {
	Connect(done func(error))
	AsyncRead(b []byte, done func(n int, err error))
	AsyncWrite(b net.Buffers, done func(n int, err error))
	Close() error
}

// Framer splits the byte stream into typed messages.
type Framer interface {
	Peek(b []byte) (btprotocol.Frame, bool, error)
	Decode(b []byte) (btprotocol.Message, error)
	Encode(btprotocol.Message) ([]byte, error)
}

// Disk asynchronous block storage. callbacks may run on any goroutine.
type Disk interface {
	AsyncRead(r disk.Request, done func(*disk.Buffer, error))
	AsyncWrite(r disk.Request, b *disk.Buffer, done func(error))
	Saturated() bool
	Subscribe(disk.Observer)
	Unsubscribe(disk.Observer)
}

// BandwidthConsumer receives grants pushed by an allocator.
type BandwidthConsumer interface {
	AssignBandwidth(ch Channel, amount int)
}

// BandwidthAllocator schedules grants. the consumer never grants itself.
type BandwidthAllocator interface {
	RequestBandwidth(c BandwidthConsumer, ch Channel, amount int)
}

// Picked block selected by the picker. Busy blocks are already reserved by
// another peer.
type Picked struct {
	Block PieceBlock
	Busy  bool
}

// PiecePicker block reservations shared by every connection of a transfer.
type PiecePicker interface {
	Pick(have, prefer *roaring.Bitmap, n int, peer *Connection) []Picked
	MarkRequested(b PieceBlock, peer *Connection, busy bool) bool
	Abort(b PieceBlock, peer *Connection)
	MarkWriting(b PieceBlock, peer *Connection) bool
	WriteFailed(b PieceBlock)
	MarkFinished(b PieceBlock) (complete bool)
	Verified(piece uint32, passed bool) (contributors []*Connection)
	IsDownloaded(b PieceBlock) bool
	Requesters(b PieceBlock) int
	FreeBlocks(piece uint32) int
	Outstanding(piece uint32) int
	IncompletePieces() int
	Have(piece uint32) bool
	MarkHave(piece uint32)
	Completed() *roaring.Bitmap
	Availability(piece uint32) int
	IncRefcount(pieces *roaring.Bitmap)
	DecRefcount(pieces *roaring.Bitmap)
}

// AlertSink bounded event delivery, posting never blocks.
type AlertSink interface {
	Post(alerts.Alert) bool
	ShouldPost(alerts.Category) bool
}

// Executor serializes all connection state mutations.
type Executor interface {
	Post(func())
}
