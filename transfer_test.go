package peerwire

import (
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/james-lawrence/peerwire/alerts"
	"github.com/james-lawrence/peerwire/btprotocol"
	"github.com/james-lawrence/peerwire/connections"
	"github.com/stretchr/testify/require"
)

func TestSetLayoutEstablishesConnections(t *testing.T) {
	h := newHarness(t, Layout{BlockSize: 16}, nil)
	c, tr := h.connect(true)
	require.False(t, h.transfer.HasMetadata())
	require.Equal(t, StateConnected, c.State())

	h.deliver(tr, btprotocol.NewHavePiece(3), btprotocol.NewHavePiece(1))
	require.True(t, c.HasPiece(3))

	require.Error(t, h.transfer.SetLayout(Layout{}))
	l := NewLayout(4*16, 16, 16)
	require.NoError(t, h.transfer.SetLayout(l))
	require.Equal(t, StateEstablished, c.State())
	require.Equal(t, 1, h.transfer.Picker().Availability(3))
	require.Equal(t, 1, h.transfer.Picker().Availability(1))
	require.Zero(t, h.transfer.Picker().Availability(0))
	require.True(t, c.AmInterested())

	require.Error(t, h.transfer.SetLayout(l))
}

func TestSetLayoutRejectsOutOfRangeHaves(t *testing.T) {
	h := newHarness(t, Layout{BlockSize: 16}, nil)
	c, tr := h.connect(true)
	h.deliver(tr, btprotocol.NewHavePiece(9))

	require.NoError(t, h.transfer.SetLayout(NewLayout(4*16, 16, 16)))
	require.Equal(t, StateDisconnecting, c.State())
	cause, _ := c.Reason()
	require.ErrorIs(t, cause, ErrPieceOutOfRange)
}

func TestRequestBlocksFromPicker(t *testing.T) {
	l := NewLayout(2*64, 64, 16)
	h := newHarness(t, l, nil)
	c, tr := h.connect(true)
	h.flush(tr)

	h.deliver(tr, btprotocol.NewHaveAll(), btprotocol.NewUnchoked())
	sent := requested(h.flush(tr))
	require.Len(t, sent, h.cfg.MinRequestQueue)
	require.Len(t, c.DownloadQueue(), h.cfg.MinRequestQueue)
	for _, pb := range c.DownloadQueue() {
		require.Equal(t, 1, h.transfer.Picker().Requesters(pb.Block))
	}
	require.False(t, c.Endgame())
}

func TestRequestBlocksEntersEndgame(t *testing.T) {
	l := NewLayout(16, 16, 16)
	h := newHarness(t, l, nil)
	a, tra := h.connect(true)
	b, trb := h.connect(true)

	h.deliver(tra, btprotocol.NewHaveAll(), btprotocol.NewUnchoked())
	require.Len(t, a.DownloadQueue(), 1)
	require.False(t, a.Endgame())

	h.deliver(trb, btprotocol.NewHaveAll(), btprotocol.NewUnchoked())
	require.True(t, b.Endgame())
	q := b.DownloadQueue()
	require.Len(t, q, 1)
	require.True(t, q[0].Busy)
	require.Equal(t, 2, h.transfer.Picker().Requesters(PieceBlock{}))
	require.Len(t, requested(h.flush(trb)), 1)

	blk := PieceBlock{}
	h.deliver(tra, pieceMessage(l, blk))
	require.True(t, h.transfer.Seeding())
	require.Empty(t, b.DownloadQueue())
	require.Len(t, specsOf(h.flush(trb), btprotocol.Cancel), 1)
}

func TestPieceFinishedAnnounces(t *testing.T) {
	l := NewLayout(2*16, 16, 16)
	h := newHarness(t, l, nil, TransferOptionPicker(manualPicks))
	a, tra := h.connect(true)
	_, trb := h.connect(true)
	h.deliver(tra, btprotocol.NewHaveAll(), btprotocol.NewUnchoked())
	h.deliver(trb, btprotocol.NewHaveNone())
	h.flush(tra)
	h.flush(trb)
	h.alerts.Pop()

	blk := PieceBlock{Piece: 1}
	require.NoError(t, a.AddRequest(blk, 0))
	a.SendBlockRequests()
	h.deliver(tra, pieceMessage(l, blk))

	require.Equal(t, []alerts.PieceFinished{{Piece: 1}}, alertsOf[alerts.PieceFinished](h.alerts))
	require.Empty(t, ofType(h.flush(tra), btprotocol.Have))

	haves := ofType(h.flush(trb), btprotocol.Have)
	require.Len(t, haves, 1)
	require.Equal(t, btprotocol.Integer(1), haves[0].Index)

	stored := make([]byte, 16)
	_, err := h.disk.store.ReadAt(stored, 16)
	require.NoError(t, err)
	require.Equal(t, blockData(l, blk), stored)
}

func TestHashFailureBansContributor(t *testing.T) {
	l := NewLayout(2*16, 16, 16)
	h := newHarness(t, l, nil, TransferOptionPicker(manualPicks), TransferOptionVerify(func(uint32) bool { return false }))
	h.cfg.MaxBadPieces = 1
	c, tr := h.connect(true)
	h.deliver(tr, btprotocol.NewHaveAll(), btprotocol.NewUnchoked())
	h.alerts.Pop()

	for piece := range uint32(2) {
		blk := PieceBlock{Piece: piece}
		require.NoError(t, c.AddRequest(blk, 0))
		c.SendBlockRequests()
		h.deliver(tr, pieceMessage(l, blk))
		require.False(t, h.transfer.Picker().Have(piece))
		require.Equal(t, 1, h.transfer.Picker().FreeBlocks(piece))
	}

	require.GreaterOrEqual(t, c.State(), StateDisconnecting)
	cause, op := c.Reason()
	require.Equal(t, OpPolicy, op)
	require.Equal(t, KindPolicy, KindOf(cause))
	banned, silent := connections.Banned(cause)
	require.True(t, banned)
	require.False(t, silent)

	all := h.alerts.Pop()
	var failed, bans int
	for _, a := range all {
		switch a.(type) {
		case alerts.HashFailed:
			failed++
		case alerts.PeerBanned:
			bans++
		}
	}
	require.Equal(t, 2, failed)
	require.Equal(t, 1, bans)
}

func TestSuggestBroadcast(t *testing.T) {
	l := NewLayout(4*16, 16, 16)
	h := newHarness(t, l, nil, TransferOptionHave(roaring.BitmapOf(2, 3)))
	a, tra := h.connect(true)
	h.flush(tra)

	h.transfer.Suggest(2)
	h.transfer.Suggest(2)
	suggested := ofType(h.flush(tra), btprotocol.Suggest)
	require.Len(t, suggested, 1)
	require.Equal(t, btprotocol.Integer(2), suggested[0].Index)

	_, trb := h.connect(true)
	require.Len(t, ofType(h.flush(trb), btprotocol.Suggest), 1)

	h.deliver(tra, btprotocol.NewHavePiece(3))
	h.transfer.Suggest(3)
	require.Empty(t, ofType(h.flush(tra), btprotocol.Suggest))
	require.True(t, a.HasPiece(3))
}

func TestPieceToSuperseed(t *testing.T) {
	l := NewLayout(4*16, 16, 16)
	h := newHarness(t, l, nil, TransferOptionHave(roaring.BitmapOf(0, 1, 2, 3)))
	a, tra := h.connect(true)
	b, _ := h.connect(true)
	c, _ := h.connect(true)
	h.deliver(tra, btprotocol.NewBitField(4, roaring.BitmapOf(0, 1)))

	require.Equal(t, 2, h.transfer.pieceToSuperseed(b))
	b.superseedPiece(-1, 2)
	require.Equal(t, 3, h.transfer.pieceToSuperseed(c))
	c.superseedPiece(-1, 3)
	require.Equal(t, 2, h.transfer.pieceToSuperseed(a))

	a.superseedPiece(-1, 2)
	a.superseedPiece(-1, 3)
	require.Equal(t, -1, h.transfer.pieceToSuperseed(a))
	require.Len(t, a.availability.SuperseedSet(), 2)
}

func TestRechokeFixedSlots(t *testing.T) {
	l := NewLayout(4*16, 16, 16)
	h := newHarness(t, l, nil, TransferOptionHave(roaring.BitmapOf(0, 1, 2, 3)))
	a, tra := h.connect(true)
	b, trb := h.connect(true)
	idle, tri := h.connect(true)
	h.deliver(tra, btprotocol.NewInterested(true))
	h.deliver(trb, btprotocol.NewInterested(true))
	h.flush(tra)
	h.flush(trb)
	h.flush(tri)

	b.choke.round[ChannelDownload] = 1000
	a.choke.round[ChannelDownload] = 10
	h.transfer.Rechoke(RechokeConfig{Slots: 1})

	require.False(t, b.AmChoking())
	require.True(t, a.AmChoking())
	require.True(t, idle.AmChoking())
	require.Len(t, ofType(h.flush(trb), btprotocol.Unchoke), 1)
	require.Empty(t, h.flush(tri))
	require.Zero(t, b.Round(ChannelDownload))

	a.choke.round[ChannelDownload] = 500
	h.transfer.Rechoke(RechokeConfig{Slots: 1})
	require.False(t, a.AmChoking())
	require.True(t, b.AmChoking())
	require.Len(t, ofType(h.flush(trb), btprotocol.Choke), 1)
	require.Len(t, ofType(h.flush(tra), btprotocol.Unchoke), 1)
}

func TestRechokeBittyrant(t *testing.T) {
	l := NewLayout(4*16, 16, 16)
	h := newHarness(t, l, nil, TransferOptionHave(roaring.BitmapOf(0, 1, 2, 3)))
	a, tra := h.connect(true)
	b, trb := h.connect(true)
	h.deliver(tra, btprotocol.NewInterested(true))
	h.deliver(trb, btprotocol.NewInterested(true))

	a.choke.round = [channels]int64{ChannelUpload: 100, ChannelDownload: 1000}
	b.choke.round = [channels]int64{ChannelUpload: 100, ChannelDownload: 100}
	h.transfer.Rechoke(RechokeConfig{Policy: ChokeBittyrant, UploadCapacity: 20000})
	require.False(t, a.AmChoking())
	require.True(t, b.AmChoking())

	// a never unchoked us, it now costs more than b.
	h.transfer.Rechoke(RechokeConfig{Policy: ChokeBittyrant, UploadCapacity: 20000})
	require.Equal(t, 19200, a.EstReciprocationRate())
	require.Equal(t, 16000, b.EstReciprocationRate())
	require.True(t, a.AmChoking())
	require.False(t, b.AmChoking())
	require.Len(t, ofType(h.flush(trb), btprotocol.Unchoke), 1)
	require.Len(t, ofType(h.flush(tra), btprotocol.Choke), 1)
}

func TestRechokeRateBased(t *testing.T) {
	l := NewLayout(4*16, 16, 16)
	h := newHarness(t, l, nil, TransferOptionHave(roaring.BitmapOf(0, 1, 2, 3)))
	a, tra := h.connect(true)
	b, trb := h.connect(true)
	h.deliver(tra, btprotocol.NewInterested(true))
	h.deliver(trb, btprotocol.NewInterested(true))

	a.stats.ReceivedPayload(10000)
	a.stats.SecondTick(time.Second)
	h.transfer.Rechoke(RechokeConfig{Policy: ChokeRateBased, Slots: 1})
	require.False(t, a.AmChoking())
	require.True(t, b.AmChoking())
}

func TestTransferTickTimesOutIdlePeers(t *testing.T) {
	l := NewLayout(4*16, 16, 16)
	h := newHarness(t, l, nil)
	a, _ := h.connect(true)
	b, _ := h.connect(true)

	h.clock.Advance(h.cfg.InactivityTimeout + time.Second)
	h.transfer.Tick(time.Second)
	h.loop.Drain()

	requireClosed(t, a)
	requireClosed(t, b)
	require.Empty(t, h.transfer.Connections())
	require.Equal(t, 2, h.transfer.Failures(KindTransport))
}
