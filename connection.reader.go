package peerwire

import (
	"io"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/james-lawrence/peerwire/alerts"
	"github.com/james-lawrence/peerwire/btprotocol"
	"github.com/james-lawrence/peerwire/disk"
	"github.com/james-lawrence/peerwire/internal/errorsx"
)

// setupReceive issues the next read when none is in flight, quota is
// available and the disk is keeping up.
func (c *Connection) setupReceive() {
	if c.reading || c.state < StateConnected || c.state >= StateDisconnecting {
		return
	}

	if c.writingBytes > c.cfg.MaxQueuedDiskBytes || (c.t != nil && c.t.disk != nil && c.t.disk.Saturated()) {
		c.diskBlocked = true
		return
	}

	quota := c.choke.quota[ChannelDownload]
	if quota <= 0 {
		c.RequestBandwidth(ChannelDownload)
		return
	}

	w := c.rb.Window(min(quota, c.cfg.ReceiveBufferSize))
	if len(w) == 0 {
		return
	}

	c.reading = true
	c.transport.AsyncRead(w, async2(c, c.onReceiveData))
}

func (c *Connection) onReceiveData(n int, err error) {
	c.reading = false

	if c.state >= StateDisconnecting {
		c.rb.Close()
		return
	}

	if err == nil && n == 0 {
		err = io.EOF
	}

	if n > 0 {
		c.choke.consume(ChannelDownload, n)
		c.lastReceive = c.cfg.now()
		c.rb.Received(n)

		if cause := c.processPackets(); cause != nil {
			c.Disconnect(cause, OpProtocol)
			return
		}
	}

	if err != nil {
		c.Disconnect(TransportFailure(errorsx.Wrap(err, "read failed")), OpRead)
		return
	}

	c.setupReceive()
}

// processPackets dispatches every complete packet in the receive buffer.
func (c *Connection) processPackets() error {
	for c.state < StateDisconnecting {
		if c.rb.PacketSize() == 0 {
			f, ok, err := c.framer.Peek(c.rb.Pending())
			if err != nil {
				return ProtocolViolation(err)
			}

			if !ok {
				c.rb.Normalize()
				return nil
			}

			c.frame = f
			c.rb.Reset(f.Size)
			if payload := f.Size - f.Header; f.Payload && payload > 0 {
				c.rb.AttachDisk(payload)
			}
		}

		if !c.rb.PacketFinished() {
			return nil
		}

		msg, err := c.framer.Decode(c.rb.Packet())
		if err != nil {
			return ProtocolViolation(err)
		}

		var payload *disk.Buffer
		if c.rb.DiskAttached() {
			payload = c.rb.ReleaseDisk()
			c.stats.ReceivedProtocol(c.frame.Header)
			c.stats.ReceivedPayload(payload.Len())
		} else {
			c.stats.ReceivedProtocol(c.frame.Size)
		}

		c.rb.Cut(len(c.rb.Packet()), 0)

		if err = c.dispatch(msg, payload); err != nil {
			return err
		}
	}

	return nil
}

func (c *Connection) dispatch(msg btprotocol.Message, payload *disk.Buffer) error {
	if msg.Keepalive {
		return nil
	}

	if msg.Type != btprotocol.Piece {
		payload.Release()
	}

	if msg.Type.FastExtension() && !c.handshake.Fast {
		return ProtocolViolation(errorsx.Errorf("received fast extension message (type=%v) but extension is disabled", msg.Type))
	}

	c.cfg.debug().Printf("%s received %s\n", c, msg.Type)

	switch msg.Type {
	case btprotocol.Choke:
		c.IncomingChoke()
		return nil
	case btprotocol.Unchoke:
		c.IncomingUnchoke()
		return nil
	case btprotocol.Interested:
		c.IncomingInterested()
		return nil
	case btprotocol.NotInterested:
		c.IncomingNotInterested()
		return nil
	case btprotocol.Have:
		return c.IncomingHave(uint32(msg.Index))
	case btprotocol.DontHave:
		return c.IncomingDontHave(uint32(msg.Index))
	case btprotocol.Bitfield:
		return c.IncomingBitfield(msg.Bitfield)
	case btprotocol.Request:
		return c.IncomingRequest(msg.RequestSpec())
	case btprotocol.Piece:
		return c.IncomingPiece(btprotocol.RequestSpec{Index: msg.Index, Begin: msg.Begin, Length: msg.Length}, payload)
	case btprotocol.Cancel:
		c.IncomingCancel(msg.RequestSpec())
		return nil
	case btprotocol.Suggest:
		return c.IncomingSuggest(uint32(msg.Index))
	case btprotocol.HaveAll:
		return c.IncomingHaveAll()
	case btprotocol.HaveNone:
		return c.IncomingHaveNone()
	case btprotocol.Reject:
		c.IncomingRejectRequest(msg.RequestSpec())
		return nil
	case btprotocol.AllowedFast:
		return c.IncomingAllowedFast(uint32(msg.Index))
	default:
		return ProtocolViolation(errorsx.Errorf("received unknown message type: %v", msg.Type))
	}
}

// violation disconnects for a protocol violation.
func (c *Connection) violation(err error) error {
	err = ProtocolViolation(err)
	c.Disconnect(err, OpProtocol)
	return err
}

// IncomingChoke without the fast extension every sent request is implicitly
// rejected.
func (c *Connection) IncomingChoke() {
	c.choke.peerChoking = true

	if c.handshake.Fast || c.t == nil {
		return
	}

	for len(c.requests.download) > 0 {
		pb := c.removeDownload(0)
		c.t.picker.Abort(pb.Block, c)
	}
}

func (c *Connection) IncomingUnchoke() {
	c.choke.peerChoking = false

	if c.t != nil {
		c.t.requestBlocks(c)
	}
}

func (c *Connection) IncomingInterested() {
	c.choke.peerInterested = true
}

func (c *Connection) IncomingNotInterested() {
	c.choke.peerInterested = false
}

// counted the picker tracks this peer's pieces once availability was
// initialized against the layout.
func (c *Connection) counted() bool {
	return c.t != nil && c.availability.known()
}

// refcount keeps the picker's availability counts in step with the peer.
func (c *Connection) refcount(previous, current *roaring.Bitmap) {
	if !c.counted() {
		return
	}

	c.t.picker.DecRefcount(previous)
	c.t.picker.IncRefcount(current)
}

func (c *Connection) havesChanged() {
	if c.t == nil || c.state != StateEstablished {
		return
	}

	c.updateInterest()
	c.t.requestBlocks(c)
}

func (c *Connection) IncomingHave(piece uint32) error {
	added, err := c.availability.IncomingHave(piece)
	if err != nil {
		return c.violation(err)
	}

	if !added {
		return nil
	}

	if c.counted() {
		c.t.picker.IncRefcount(roaring.BitmapOf(piece))
	}

	if c.counted() && c.availability.SuperseedOffered(piece) {
		c.superseedPiece(int(piece), c.t.pieceToSuperseed(c))
	}

	c.havesChanged()
	return nil
}

// IncomingDontHave the peer dropped a piece it previously announced.
func (c *Connection) IncomingDontHave(piece uint32) error {
	removed, err := c.availability.IncomingDontHave(piece)
	if err != nil {
		return c.violation(err)
	}

	if !removed {
		return nil
	}

	if c.counted() {
		c.t.picker.DecRefcount(roaring.BitmapOf(piece))
	}

	c.havesChanged()
	return nil
}

func (c *Connection) IncomingBitfield(bits []bool) error {
	previous, err := c.availability.IncomingBitfield(bits)
	if err != nil {
		return c.violation(err)
	}

	c.refcount(previous, c.availability.Bitmap())
	c.havesChanged()
	return nil
}

func (c *Connection) IncomingHaveAll() error {
	if !c.handshake.Fast {
		return c.violation(errorsx.New("have all without the fast extension"))
	}

	previous := c.availability.IncomingHaveAll()
	c.refcount(previous, c.availability.Bitmap())
	c.havesChanged()
	return nil
}

func (c *Connection) IncomingHaveNone() error {
	if !c.handshake.Fast {
		return c.violation(errorsx.New("have none without the fast extension"))
	}

	previous := c.availability.IncomingHaveNone()
	c.refcount(previous, c.availability.Bitmap())
	c.havesChanged()
	return nil
}

func (c *Connection) IncomingSuggest(piece uint32) error {
	if c.t != nil && c.t.HasMetadata() && c.t.picker.Have(piece) {
		return nil
	}

	if err := c.availability.AddSuggested(piece); err != nil {
		return c.violation(err)
	}

	if c.t != nil {
		c.t.requestBlocks(c)
	}

	return nil
}

func (c *Connection) IncomingAllowedFast(piece uint32) error {
	if err := c.availability.AddAllowedFast(piece); err != nil {
		return c.violation(err)
	}

	if c.t != nil && c.choke.peerChoking {
		c.t.requestBlocks(c)
	}

	return nil
}

// IncomingRejectRequest releases the rejected reservation.
func (c *Connection) IncomingRejectRequest(r btprotocol.RequestSpec) {
	if c.t == nil || !c.t.HasMetadata() {
		return
	}

	b, ok := c.t.layout.Block(r)
	if !ok {
		return
	}

	if idx := indexOf(c.requests.download, b); idx >= 0 {
		c.removeDownload(idx)
		c.t.picker.Abort(b, c)
		return
	}

	if idx := c.requests.cancelledIndex(b); idx >= 0 {
		c.requests.cancelled = slices.Delete(c.requests.cancelled, idx, idx+1)
		c.t.picker.Abort(b, c)
	}
}

// IncomingRequest queues an upload. invalid requests are counted, and the
// peer is disconnected once it sends too many.
func (c *Connection) IncomingRequest(r btprotocol.RequestSpec) error {
	if c.t == nil || !c.t.HasMetadata() {
		return c.violation(errorsx.New("request before metadata"))
	}

	invalid := !c.t.layout.ValidUpload(r) || !c.t.picker.Have(uint32(r.Index))
	if c.availability.Superseeding() && !c.availability.SuperseedOffered(uint32(r.Index)) {
		invalid = true
	}

	if invalid {
		return c.invalidRequest(r)
	}

	if c.choke.amChoking && !c.availability.AcceptsFast(uint32(r.Index)) {
		c.reject(r)
		return nil
	}

	if slices.Contains(c.uploads, r) {
		return nil
	}

	if len(c.uploads) >= c.cfg.MaxOutRequestQueue {
		c.reject(r)
		return nil
	}

	c.uploads = append(c.uploads, r)
	c.fillSendBuffer()
	return nil
}

func (c *Connection) invalidRequest(r btprotocol.RequestSpec) error {
	c.invalidRequests++
	c.alert(alerts.InvalidRequest{Peer: c.Remote, Piece: uint32(r.Index), Begin: uint32(r.Begin), Length: uint32(r.Length)})
	c.reject(r)

	if c.invalidRequests <= c.cfg.MaxInvalidRequests {
		return nil
	}

	err := PolicyViolation(errorsx.Errorf("too many invalid requests %d > %d", c.invalidRequests, c.cfg.MaxInvalidRequests))
	c.Disconnect(err, OpPolicy)
	return err
}

// reject only peers speaking the fast extension are told.
func (c *Connection) reject(r btprotocol.RequestSpec) {
	if !c.handshake.Fast {
		return
	}

	c.write(btprotocol.NewReject(r))
}

// IncomingCancel drops an upload that was not read from disk yet.
func (c *Connection) IncomingCancel(r btprotocol.RequestSpec) {
	for i, u := range c.uploads {
		if u != r {
			continue
		}

		c.uploads = slices.Delete(c.uploads, i, i+1)
		c.reject(r)
		return
	}
}

// IncomingPiece matches block data against outstanding requests. unrequested,
// cancelled or already downloaded data is discarded as waste.
func (c *Connection) IncomingPiece(r btprotocol.RequestSpec, payload *disk.Buffer) error {
	if c.t == nil || !c.t.HasMetadata() {
		payload.Release()
		return c.violation(errorsx.New("piece before metadata"))
	}

	b, ok := c.t.layout.Block(r)
	if !ok {
		payload.Release()
		return c.violation(errorsx.Errorf("invalid piece %d:%d:%d", r.Index, r.Begin, r.Length))
	}

	if payload == nil || payload.Len() != int(r.Length) {
		payload.Release()
		return c.violation(errorsx.Errorf("piece %s payload length mismatch", b))
	}

	pb, ok := c.receivedBlock(b)
	if !ok {
		c.discard(payload)
		return nil
	}

	c.unsnub()
	c.stats.BlockFinished()

	if pb.TimedOut {
		c.cfg.debug().Printf("%s late block %s\n", c, b)
	}

	if c.t.picker.IsDownloaded(b) {
		c.t.picker.Abort(b, c)
		c.discard(payload)
	} else {
		c.t.blockReceived(c, b, payload)
	}

	c.t.requestBlocks(c)
	return nil
}

func (c *Connection) discard(payload *disk.Buffer) {
	c.wasted += int64(payload.Len())
	payload.Release()
}
