package peerwire

import (
	"fmt"

	"github.com/james-lawrence/peerwire/btprotocol"
	"github.com/james-lawrence/peerwire/internal/langx"
)

// PieceBlock identifies one block of one piece.
type PieceBlock struct {
	Piece uint32
	Block uint32
}

func (t PieceBlock) String() string {
	return fmt.Sprintf("%d:%d", t.Piece, t.Block)
}

// Channel direction of a bandwidth quota.
type Channel int

const (
	ChannelUpload Channel = iota
	ChannelDownload
	channels
)

func (t Channel) String() string {
	if t == ChannelUpload {
		return "upload"
	}
	return "download"
}

type ConnectionKind uint8

const (
	KindBitTorrent ConnectionKind = iota
	KindURLSeed
	KindHTTPSeed
)

// State of the connection lifecycle.
type State uint8

const (
	StateQueued State = iota
	StateConnecting
	StateConnected
	StateEstablished
	StateDisconnecting
	StateClosed
)

func (t State) String() string {
	switch t {
	case StateQueued:
		return "queued"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEstablished:
		return "established"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(t))
	}
}

// Handshake outcome reported by the negotiation layer.
type Handshake struct {
	PeerID   [20]byte
	InfoHash [20]byte
	Fast     bool
}

// Layout geometry of the shared content.
type Layout struct {
	Pieces      uint32
	PieceLength int64
	TotalLength int64
	BlockSize   int
}

// NewLayout for content of the given length.
func NewLayout(total int64, pieceLength int64, blockSize int) Layout {
	return Layout{
		Pieces:      uint32(langx.CeilDiv(total, pieceLength)),
		PieceLength: pieceLength,
		TotalLength: total,
		BlockSize:   blockSize,
	}
}

func (t Layout) Valid() bool {
	return t.Pieces > 0 && t.BlockSize > 0
}

func (t Layout) PieceSize(piece uint32) int64 {
	if piece+1 == t.Pieces {
		if rem := t.TotalLength % t.PieceLength; rem != 0 {
			return rem
		}
	}

	return t.PieceLength
}

func (t Layout) BlocksInPiece(piece uint32) uint32 {
	return uint32(langx.CeilDiv(t.PieceSize(piece), int64(t.BlockSize)))
}

func (t Layout) BlockLength(b PieceBlock) uint32 {
	offset := int64(b.Block) * int64(t.BlockSize)
	return uint32(min(int64(t.BlockSize), t.PieceSize(b.Piece)-offset))
}

func (t Layout) Contains(b PieceBlock) bool {
	return b.Piece < t.Pieces && b.Block < t.BlocksInPiece(b.Piece)
}

// Request wire span of the block.
func (t Layout) Request(b PieceBlock) btprotocol.RequestSpec {
	return btprotocol.RequestSpec{
		Index:  btprotocol.Integer(b.Piece),
		Begin:  btprotocol.Integer(b.Block * uint32(t.BlockSize)),
		Length: btprotocol.Integer(t.BlockLength(b)),
	}
}

// Block converts a wire span back into a block. only block aligned spans of
// the exact block length are valid.
func (t Layout) Block(r btprotocol.RequestSpec) (PieceBlock, bool) {
	if uint32(r.Begin)%uint32(t.BlockSize) != 0 {
		return PieceBlock{}, false
	}

	b := PieceBlock{Piece: uint32(r.Index), Block: uint32(r.Begin) / uint32(t.BlockSize)}
	if !t.Contains(b) || t.BlockLength(b) != uint32(r.Length) {
		return PieceBlock{}, false
	}

	return b, true
}

// ValidUpload reports whether a span a peer asked us for lies within a piece.
func (t Layout) ValidUpload(r btprotocol.RequestSpec) bool {
	if uint32(r.Index) >= t.Pieces || r.Length == 0 || int(r.Length) > t.BlockSize {
		return false
	}

	return int64(r.Begin)+int64(r.Length) <= t.PieceSize(uint32(r.Index))
}
