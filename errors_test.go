package peerwire

import (
	"errors"
	"io"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/james-lawrence/peerwire/internal/errorsx"
)

func TestKindOf(t *testing.T) {
	c := qt.New(t)

	c.Assert(KindOf(nil), qt.Equals, KindUnknown)
	c.Assert(KindOf(io.EOF), qt.Equals, KindUnknown)
	c.Assert(KindOf(TransportFailure(io.EOF)), qt.Equals, KindTransport)
	c.Assert(KindOf(DiskFailure(io.EOF)), qt.Equals, KindDisk)
	c.Assert(KindOf(ProtocolViolation(io.EOF)), qt.Equals, KindProtocol)
	c.Assert(KindOf(PolicyViolation(io.EOF)), qt.Equals, KindPolicy)

	wrapped := errorsx.Wrap(PolicyViolation(ProtocolViolation(io.EOF)), "outer")
	c.Assert(KindOf(wrapped), qt.Equals, KindPolicy)
	c.Assert(errors.Is(wrapped, io.EOF), qt.IsTrue)
}

func TestClassifyNil(t *testing.T) {
	c := qt.New(t)
	c.Assert(TransportFailure(nil), qt.IsNil)
	c.Assert(DiskFailure(nil), qt.IsNil)
	c.Assert(ProtocolViolation(nil), qt.IsNil)
	c.Assert(PolicyViolation(nil), qt.IsNil)
}

func TestKindedMessage(t *testing.T) {
	c := qt.New(t)
	c.Assert(DiskFailure(ErrInactive).Error(), qt.Equals, "disk: connection inactive")
	c.Assert(Kind(200).String(), qt.Equals, "unknown")
}

func TestOperationString(t *testing.T) {
	c := qt.New(t)
	for op, s := range map[Operation]string{
		OpUnknown:   "unknown",
		OpConnect:   "connect",
		OpRead:      "read",
		OpWrite:     "write",
		OpDiskRead:  "disk-read",
		OpDiskWrite: "disk-write",
		OpProtocol:  "protocol",
		OpPolicy:    "policy",
		OpTimeout:   "timeout",
		OpClose:     "close",
	} {
		c.Assert(op.String(), qt.Equals, s)
	}
}
