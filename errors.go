package peerwire

import (
	"errors"
	"fmt"

	"github.com/james-lawrence/peerwire/internal/errorsx"
)

// Kind classifies why a connection failed.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTransport
	KindDisk
	KindProtocol
	KindPolicy
)

func (t Kind) String() string {
	switch t {
	case KindTransport:
		return "transport"
	case KindDisk:
		return "disk"
	case KindProtocol:
		return "protocol"
	case KindPolicy:
		return "policy"
	default:
		return "unknown"
	}
}

// Operation in progress when a connection was disconnected.
type Operation uint8

const (
	OpUnknown Operation = iota
	OpConnect
	OpRead
	OpWrite
	OpDiskRead
	OpDiskWrite
	OpProtocol
	OpPolicy
	OpTimeout
	OpClose
)

func (t Operation) String() string {
	switch t {
	case OpConnect:
		return "connect"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDiskRead:
		return "disk-read"
	case OpDiskWrite:
		return "disk-write"
	case OpProtocol:
		return "protocol"
	case OpPolicy:
		return "policy"
	case OpTimeout:
		return "timeout"
	case OpClose:
		return "close"
	default:
		return "unknown"
	}
}

const (
	ErrDisconnecting     = errorsx.String("connection disconnecting")
	ErrAlreadyRequested  = errorsx.String("block already requested")
	ErrPieceUnavailable  = errorsx.String("peer does not have the piece")
	ErrBusyOccupied      = errorsx.String("busy request already outstanding")
	ErrReservationDenied = errorsx.String("picker refused the reservation")
	ErrNoMetadata        = errorsx.String("metadata unavailable")
	ErrInactive          = errorsx.String("connection inactive")
	ErrClosedByUser      = errorsx.String("closed")
	ErrSelfConnection    = errorsx.String("connected to self")
	ErrDuplicatePeer     = errorsx.String("duplicate peer")
)

type kinded struct {
	kind  Kind
	cause error
}

func (t kinded) Error() string {
	return fmt.Sprintf("%s: %s", t.kind, t.cause)
}

func (t kinded) Unwrap() error {
	return t.cause
}

func classify(k Kind, cause error) error {
	if cause == nil {
		return nil
	}

	return kinded{kind: k, cause: cause}
}

// TransportFailure socket failures.
func TransportFailure(cause error) error {
	return classify(KindTransport, cause)
}

// DiskFailure read, write or verification failures.
func DiskFailure(cause error) error {
	return classify(KindDisk, cause)
}

// ProtocolViolation malformed or out of order messages.
func ProtocolViolation(cause error) error {
	return classify(KindProtocol, cause)
}

// PolicyViolation evictions and bans.
func PolicyViolation(cause error) error {
	return classify(KindPolicy, cause)
}

// KindOf returns the outermost classification of err.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.kind
	}

	return KindUnknown
}
