package btprotocol

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/james-lawrence/peerwire/internal/bitmapx"
)

// RequestSpec identifies a span of a piece.
type RequestSpec struct {
	Index, Begin, Length Integer
}

// Message is a lazy union of every field the engine consumes.
type Message struct {
	Keepalive            bool
	Type                 MessageType
	Index, Begin, Length Integer
	Piece                []byte
	Bitfield             []bool
}

func (msg Message) RequestSpec() (ret RequestSpec) {
	ret = RequestSpec{Index: msg.Index, Begin: msg.Begin, Length: msg.Length}
	if msg.Type == Piece {
		ret.Length = Integer(len(msg.Piece))
	}
	return ret
}

func NewRequest(r RequestSpec) Message {
	return Message{Type: Request, Index: r.Index, Begin: r.Begin, Length: r.Length}
}

func NewCancel(r RequestSpec) Message {
	return Message{Type: Cancel, Index: r.Index, Begin: r.Begin, Length: r.Length}
}

func NewReject(r RequestSpec) Message {
	return Message{Type: Reject, Index: r.Index, Begin: r.Begin, Length: r.Length}
}

func NewAllowedFast(piece uint32) Message {
	return Message{
		Type:  AllowedFast,
		Index: Integer(piece),
	}
}

func NewSuggest(piece uint32) Message {
	return Message{
		Type:  Suggest,
		Index: Integer(piece),
	}
}

func NewKeepAlive() Message {
	return Message{
		Keepalive: true,
	}
}

func NewHaveNone() Message {
	return Message{Type: HaveNone}
}

func NewHaveAll() Message {
	return Message{Type: HaveAll}
}

func NewBitField(n uint64, b *roaring.Bitmap) Message {
	return Message{
		Type:     Bitfield,
		Bitfield: bitmapx.Bools(int(n), b),
	}
}

func NewInterested(b bool) Message {
	i := NotInterested
	if b {
		i = Interested
	}
	return Message{
		Type: i,
	}
}

func NewChoked() Message {
	return Message{
		Type: Choke,
	}
}

func NewUnchoked() Message {
	return Message{
		Type: Unchoke,
	}
}

// NewPiece header for a piece message, the payload is attached by the sender.
func NewPiece(index Integer, begin Integer, bin []byte) Message {
	return Message{
		Type:  Piece,
		Index: index,
		Begin: begin,
		Piece: bin,
	}
}

func NewHavePiece(p uint64) Message {
	return Message{
		Type:  Have,
		Index: Integer(p),
	}
}

func NewDontHave(p uint32) Message {
	return Message{
		Type:  DontHave,
		Index: Integer(p),
	}
}
