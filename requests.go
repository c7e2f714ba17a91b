package peerwire

import (
	"math"
	"slices"
	"time"

	"github.com/james-lawrence/peerwire/alerts"
	"github.com/james-lawrence/peerwire/btprotocol"
	"github.com/james-lawrence/peerwire/internal/errorsx"
	"github.com/james-lawrence/peerwire/internal/langx"
)

type RequestFlags uint8

const (
	// RequestTimeCritical entries are sent ahead of normal entries.
	RequestTimeCritical RequestFlags = 1 << iota
	// RequestBusy the block is already reserved by another peer.
	RequestBusy
	// RequestReplaceBusy cancels an existing busy entry in favor of this one.
	RequestReplaceBusy
)

// PendingBlock a block reserved from, or requested of, the peer.
type PendingBlock struct {
	Block        PieceBlock
	Skipped      uint16
	NotWanted    bool
	TimedOut     bool
	Busy         bool
	TimeCritical bool

	sent time.Time
}

func (t PendingBlock) Equal(o PendingBlock) bool {
	return t.Block == o.Block && t.NotWanted == o.NotWanted && t.TimedOut == o.TimedOut
}

type cancelled struct {
	block   PieceBlock
	expires time.Time
}

// requestQueues a block lives in at most one of request and download, and at
// most one entry across both is busy.
type requestQueues struct {
	request   []PendingBlock
	download  []PendingBlock
	cancelled []cancelled

	// bytes the peer owes for sent requests.
	outstanding int
	endgame     bool
}

const (
	queueNone = iota
	queueRequest
	queueDownload
)

func indexOf(q []PendingBlock, b PieceBlock) int {
	return slices.IndexFunc(q, func(pb PendingBlock) bool { return pb.Block == b })
}

func (t *requestQueues) find(b PieceBlock) (queue int, idx int) {
	if idx = indexOf(t.download, b); idx >= 0 {
		return queueDownload, idx
	}

	if idx = indexOf(t.request, b); idx >= 0 {
		return queueRequest, idx
	}

	return queueNone, -1
}

func (t *requestQueues) holds(b PieceBlock) bool {
	q, _ := t.find(b)
	return q != queueNone
}

func (t *requestQueues) busy() (queue int, idx int) {
	isbusy := func(pb PendingBlock) bool { return pb.Busy }
	if idx = slices.IndexFunc(t.download, isbusy); idx >= 0 {
		return queueDownload, idx
	}

	if idx = slices.IndexFunc(t.request, isbusy); idx >= 0 {
		return queueRequest, idx
	}

	return queueNone, -1
}

func (t *requestQueues) cancelledIndex(b PieceBlock) int {
	return slices.IndexFunc(t.cancelled, func(c cancelled) bool { return c.block == b })
}

// DesiredQueueSize number of requests to keep in flight, derived from the
// download rate and round trip time.
func (c *Connection) DesiredQueueSize() int {
	if c.requests.endgame || c.choke.snubbed {
		return 1
	}

	window := (c.cfg.RequestQueueTime + c.rtt).Seconds()
	rate := float64(c.stats.PayloadRate(ChannelDownload))
	n := int(math.Ceil(window * rate / float64(c.cfg.BlockSize)))

	return langx.Clamp(n, c.cfg.MinRequestQueue, c.cfg.MaxOutRequestQueue)
}

func (c *Connection) RequestQueue() []PendingBlock {
	return slices.Clone(c.requests.request)
}

func (c *Connection) DownloadQueue() []PendingBlock {
	return slices.Clone(c.requests.download)
}

// OutstandingBytes the peer still owes for sent requests.
func (c *Connection) OutstandingBytes() int {
	return c.requests.outstanding
}

func (c *Connection) Endgame() bool {
	return c.requests.endgame
}

// AddRequest reserves the block with the picker and queues it for sending.
func (c *Connection) AddRequest(b PieceBlock, flags RequestFlags) error {
	if c.state >= StateDisconnecting {
		return ErrDisconnecting
	}

	if c.t == nil || !c.t.HasMetadata() {
		return ErrNoMetadata
	}

	if !c.t.layout.Contains(b) {
		return errorsx.Wrapf(ErrPieceOutOfRange, "block %s", b)
	}

	if c.requests.holds(b) {
		return errorsx.Wrapf(ErrAlreadyRequested, "block %s", b)
	}

	if !c.availability.Has(b.Piece) {
		return errorsx.Wrapf(ErrPieceUnavailable, "piece %d", b.Piece)
	}

	busy := flags&RequestBusy != 0
	q, idx := c.requests.busy()
	if busy && q != queueNone && flags&RequestReplaceBusy == 0 {
		return ErrBusyOccupied
	}

	if !c.t.picker.MarkRequested(b, c, busy) {
		return errorsx.Wrapf(ErrReservationDenied, "block %s", b)
	}

	if busy && q != queueNone {
		existing := c.requests.request
		if q == queueDownload {
			existing = c.requests.download
		}
		c.CancelRequest(existing[idx].Block, true)
	}

	pb := PendingBlock{
		Block:        b,
		Busy:         busy,
		TimeCritical: flags&RequestTimeCritical != 0,
	}

	if !pb.TimeCritical {
		c.requests.request = append(c.requests.request, pb)
		return nil
	}

	at := len(c.requests.request)
	for i, v := range c.requests.request {
		if !v.TimeCritical {
			at = i
			break
		}
	}
	c.requests.request = slices.Insert(c.requests.request, at, pb)

	return nil
}

// SendBlockRequests moves reserved entries to the download queue, writing a
// request for each, until the queue reaches its desired size. while choked
// only allowed fast pieces move.
func (c *Connection) SendBlockRequests() {
	if c.state != StateEstablished || c.t == nil {
		return
	}

	desired := c.DesiredQueueSize()
	for len(c.requests.download) < desired && len(c.requests.request) > 0 {
		idx := 0
		if c.choke.peerChoking {
			if idx = slices.IndexFunc(c.requests.request, func(pb PendingBlock) bool {
				return c.availability.AllowedFast(pb.Block.Piece)
			}); idx < 0 {
				return
			}
		}

		pb := c.requests.request[idx]
		c.requests.request = slices.Delete(c.requests.request, idx, idx+1)

		if c.t.picker.IsDownloaded(pb.Block) {
			c.t.picker.Abort(pb.Block, c)
			continue
		}

		pb.sent = c.cfg.now()
		c.requests.download = append(c.requests.download, pb)
		c.requests.outstanding += int(c.t.layout.BlockLength(pb.Block))
		c.write(btprotocol.NewRequest(c.t.layout.Request(pb.Block)))
		c.alert(alerts.BlockDownloading{Peer: c.Remote, Piece: pb.Block.Piece, Block: pb.Block.Block, Endgame: pb.Busy})
	}
}

func (c *Connection) removeDownload(idx int) PendingBlock {
	pb := c.requests.download[idx]
	c.requests.download = slices.Delete(c.requests.download, idx, idx+1)
	c.requests.outstanding -= int(c.t.layout.BlockLength(pb.Block))
	return pb
}

// CancelRequest removes the block from whichever queue holds it. unsent
// entries are released immediately. sent entries emit a cancel and, unless
// forced, keep their reservation until the data arrives or the request
// timeout expires.
func (c *Connection) CancelRequest(b PieceBlock, force bool) {
	if c.t == nil {
		return
	}

	q, idx := c.requests.find(b)
	switch q {
	case queueRequest:
		c.requests.request = slices.Delete(c.requests.request, idx, idx+1)
		c.t.picker.Abort(b, c)
	case queueDownload:
		c.removeDownload(idx)
		c.write(btprotocol.NewCancel(c.t.layout.Request(b)))
		if force {
			c.t.picker.Abort(b, c)
			return
		}

		c.requests.cancelled = append(c.requests.cancelled, cancelled{
			block:   b,
			expires: c.cfg.now().Add(c.cfg.RequestTimeout),
		})
	}
}

// CancelAllRequests drops every unsent entry and cancels every sent one.
func (c *Connection) CancelAllRequests() {
	if c.t == nil {
		return
	}

	for _, pb := range c.requests.request {
		c.t.picker.Abort(pb.Block, c)
	}
	c.requests.request = nil

	for len(c.requests.download) > 0 {
		c.CancelRequest(c.requests.download[0].Block, true)
	}
}

// TimeoutRequests flags requests older than the request timeout. newly timed
// out requests snub the peer and drop its unsent requests. a timed out block
// stays queued while its piece has free blocks, is duplicated to another peer
// when it is the last block holding up the last piece, and is released
// otherwise. blocks kept on an earlier tick are reconsidered on every call.
func (c *Connection) TimeoutRequests(now time.Time) {
	if c.t == nil || len(c.requests.download) == 0 {
		return
	}

	type expiry struct {
		PendingBlock
		fresh bool
	}

	var (
		expired []expiry
		fresh   int
	)
	for i := range c.requests.download {
		pb := &c.requests.download[i]
		if now.Sub(pb.sent) < c.cfg.RequestTimeout {
			continue
		}

		e := expiry{PendingBlock: *pb, fresh: !pb.TimedOut}
		if e.fresh {
			pb.TimedOut = true
			fresh++
		}
		expired = append(expired, e)
	}

	if len(expired) == 0 {
		return
	}

	if fresh > 0 {
		c.snub()

		for _, pb := range c.requests.request {
			c.t.picker.Abort(pb.Block, c)
		}
		c.requests.request = nil
	}

	const (
		timeoutKeep = iota
		timeoutDuplicate
		timeoutRelease
	)

	// decided up front, releasing a block frees its piece.
	incomplete := c.t.picker.IncompletePieces()
	actions := make([]int, len(expired))
	for i, e := range expired {
		piece := e.Block.Piece
		switch {
		case c.t.picker.FreeBlocks(piece) > 0:
			actions[i] = timeoutKeep
		case incomplete == 1 && c.t.picker.Outstanding(piece) == 1:
			actions[i] = timeoutKeep
			if e.fresh {
				actions[i] = timeoutDuplicate
			}
		default:
			actions[i] = timeoutRelease
		}
	}

	for i, e := range expired {
		if e.fresh {
			c.alert(alerts.BlockTimedOut{Peer: c.Remote, Piece: e.Block.Piece, Block: e.Block.Block})
		}

		switch actions[i] {
		case timeoutDuplicate:
			c.t.endgameDuplicate(c, e.PendingBlock)
		case timeoutRelease:
			c.CancelRequest(e.Block, true)
		}
	}
}

// expireCancelled releases reservations of cancelled requests whose data
// never arrived.
func (c *Connection) expireCancelled(now time.Time) {
	if c.t == nil {
		return
	}

	c.requests.cancelled = slices.DeleteFunc(c.requests.cancelled, func(e cancelled) bool {
		if now.Before(e.expires) {
			return false
		}
		c.t.picker.Abort(e.block, c)
		return true
	})
}

// receivedBlock matches incoming data against the download queue. entries
// ahead of it are skipped, entries skipped too often are treated as lost.
func (c *Connection) receivedBlock(b PieceBlock) (PendingBlock, bool) {
	idx := indexOf(c.requests.download, b)
	if idx < 0 {
		if i := c.requests.cancelledIndex(b); i >= 0 {
			c.requests.cancelled = slices.Delete(c.requests.cancelled, i, i+1)
			c.t.picker.Abort(b, c)
		}
		return PendingBlock{}, false
	}

	pb := c.removeDownload(idx)

	for i := idx - 1; i >= 0; i-- {
		skipped := &c.requests.download[i]
		if skipped.Skipped++; int(skipped.Skipped) <= c.cfg.MaxSkipped {
			continue
		}

		lost := c.removeDownload(i)
		c.t.picker.Abort(lost.Block, c)
	}

	return pb, true
}

// releaseRequests drops every reservation the connection holds.
func (c *Connection) releaseRequests() {
	if c.t == nil {
		return
	}

	for _, pb := range c.requests.request {
		c.t.picker.Abort(pb.Block, c)
	}

	for _, pb := range c.requests.download {
		c.t.picker.Abort(pb.Block, c)
	}

	for _, e := range c.requests.cancelled {
		c.t.picker.Abort(e.block, c)
	}

	c.requests = requestQueues{}
}
