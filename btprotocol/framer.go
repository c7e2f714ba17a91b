package btprotocol

import (
	"encoding/binary"

	"github.com/james-lawrence/peerwire/internal/errorsx"
)

const (
	ErrMessageTooLong = errorsx.String("message too long")
	ErrUnknownMessage = errorsx.String("unknown message type")
	ErrMalformed      = errorsx.String("malformed message")
)

// PieceHeaderLength bytes preceding the payload of a piece message:
// length prefix, type, index and begin.
const PieceHeaderLength = 4 + 1 + 4 + 4

// Frame describes a packet found at the front of a buffer.
type Frame struct {
	Size    int  // total bytes including the length prefix
	Header  int  // bytes preceding the payload when Payload is set
	Payload bool // piece data that may bypass the general receive buffer
}

// Framer length prefixed encoding of messages.
type Framer struct {
	MaxLength int
}

// Peek inspects the front of b. ok is false until enough bytes are present to
// describe the packet.
func (t Framer) Peek(b []byte) (f Frame, ok bool, err error) {
	if len(b) < 4 {
		return f, false, nil
	}

	length := int(binary.BigEndian.Uint32(b))
	if t.MaxLength > 0 && length > t.MaxLength {
		return f, false, errorsx.Wrapf(ErrMessageTooLong, "%d > %d", length, t.MaxLength)
	}

	f = Frame{Size: 4 + length}
	if length == 0 {
		return f, true, nil
	}

	if len(b) < 5 {
		return f, false, nil
	}

	if MessageType(b[4]) == Piece {
		if length < PieceHeaderLength-4 {
			return f, false, errorsx.Wrap(ErrMalformed, "piece message too short")
		}

		f.Header = PieceHeaderLength
		f.Payload = true
	}

	return f, true, nil
}

// Decode a single packet. b holds exactly the bytes of the packet, for piece
// messages only the header is required; the payload is attached by the caller.
func (t Framer) Decode(b []byte) (msg Message, err error) {
	if len(b) < 4 {
		return msg, errorsx.Wrap(ErrMalformed, "missing length prefix")
	}

	length := int(binary.BigEndian.Uint32(b))
	if length == 0 {
		return Message{Keepalive: true}, nil
	}

	body := b[4:]
	if len(body) < 1 {
		return msg, errorsx.Wrap(ErrMalformed, "missing type")
	}

	msg.Type = MessageType(body[0])
	body = body[1:]
	integers := func(dst ...*Integer) error {
		if len(body) < 4*len(dst) {
			return errorsx.Wrapf(ErrMalformed, "%s: expected %d bytes received %d", msg.Type, 4*len(dst), len(body))
		}
		for i, d := range dst {
			*d = Integer(binary.BigEndian.Uint32(body[4*i:]))
		}
		return nil
	}

	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		return msg, nil
	case Have, AllowedFast, Suggest, DontHave:
		return msg, integers(&msg.Index)
	case Request, Cancel, Reject:
		return msg, integers(&msg.Index, &msg.Begin, &msg.Length)
	case Piece:
		if err = integers(&msg.Index, &msg.Begin); err != nil {
			return msg, err
		}
		msg.Length = Integer(length - (PieceHeaderLength - 4))
		if payload := body[8:]; len(payload) > 0 {
			msg.Piece = payload
		}
		return msg, nil
	case Bitfield:
		msg.Bitfield = unmarshalBitfield(body)
		return msg, nil
	default:
		return msg, errorsx.Wrapf(ErrUnknownMessage, "%d", byte(msg.Type))
	}
}

// Encode a message. piece messages carry only their header when the payload
// is empty; Length is then used as the declared payload size.
func (t Framer) Encode(msg Message) ([]byte, error) {
	if msg.Keepalive {
		return make([]byte, 4), nil
	}

	body := []byte{byte(msg.Type)}
	put := func(vs ...Integer) {
		for _, v := range vs {
			body = binary.BigEndian.AppendUint32(body, uint32(v))
		}
	}

	extra := 0
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
	case Have, AllowedFast, Suggest, DontHave:
		put(msg.Index)
	case Request, Cancel, Reject:
		put(msg.Index, msg.Begin, msg.Length)
	case Bitfield:
		body = append(body, marshalBitfield(msg.Bitfield)...)
	case Piece:
		put(msg.Index, msg.Begin)
		if len(msg.Piece) > 0 {
			body = append(body, msg.Piece...)
		} else {
			extra = int(msg.Length)
		}
	default:
		return nil, errorsx.Wrapf(ErrUnknownMessage, "%d", byte(msg.Type))
	}

	data := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(data, uint32(len(body)+extra))
	return append(data, body...), nil
}

func marshalBitfield(bf []bool) (b []byte) {
	b = make([]byte, (len(bf)+7)/8)
	for i, have := range bf {
		if !have {
			continue
		}
		b[i/8] |= 1 << uint(7-i%8)
	}
	return b
}

func unmarshalBitfield(b []byte) (bf []bool) {
	bf = make([]bool, 0, 8*len(b))
	for _, c := range b {
		for i := 7; i >= 0; i-- {
			bf = append(bf, (c>>uint(i))&1 == 1)
		}
	}
	return bf
}
