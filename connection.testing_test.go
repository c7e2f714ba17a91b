package peerwire

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/james-lawrence/peerwire/alerts"
	"github.com/james-lawrence/peerwire/btprotocol"
	"github.com/james-lawrence/peerwire/disk"
	"github.com/james-lawrence/peerwire/internal/timex"
	"github.com/james-lawrence/peerwire/storage"
	"github.com/stretchr/testify/require"
)

type fakeIO struct {
	b    []byte
	done func(int, error)
}

// fakeTransport records operations, tests complete them explicitly.
type fakeTransport struct {
	connect func(error)
	reads   []fakeIO
	writes  []fakeIO
	out     []byte
	closed  bool
}

func (t *fakeTransport) Connect(done func(error)) {
	t.connect = done
}

func (t *fakeTransport) AsyncRead(b []byte, done func(int, error)) {
	t.reads = append(t.reads, fakeIO{b: b, done: done})
}

func (t *fakeTransport) AsyncWrite(bufs net.Buffers, done func(int, error)) {
	var flat []byte
	for _, b := range bufs {
		flat = append(flat, b...)
	}
	t.writes = append(t.writes, fakeIO{b: flat, done: done})
}

func (t *fakeTransport) Close() error {
	t.closed = true
	for _, r := range t.reads {
		r.done(0, net.ErrClosed)
	}
	for _, w := range t.writes {
		w.done(0, net.ErrClosed)
	}
	t.reads, t.writes = nil, nil
	return nil
}

// fakeDisk memory backed storage completing operations inline unless held.
type fakeDisk struct {
	store       storage.TorrentImpl
	pieceLength int64
	hold        bool
	pending     []func()
	saturated   bool
	observers   []disk.Observer
	failWrites  error
	failReads   error
	written     int
}

func newFakeDisk(l Layout) *fakeDisk {
	return &fakeDisk{store: storage.NewMemory(l.TotalLength), pieceLength: l.PieceLength}
}

func (t *fakeDisk) offset(r disk.Request) int64 {
	return int64(r.Piece)*t.pieceLength + int64(r.Begin)
}

func (t *fakeDisk) run(op func()) {
	if t.hold {
		t.pending = append(t.pending, op)
		return
	}
	op()
}

// complete every held operation.
func (t *fakeDisk) complete() {
	pending := t.pending
	t.pending = nil
	for _, op := range pending {
		op()
	}
}

func (t *fakeDisk) AsyncRead(r disk.Request, done func(*disk.Buffer, error)) {
	t.run(func() {
		if t.failReads != nil {
			done(nil, t.failReads)
			return
		}

		b := disk.Allocate(int(r.Length))
		if _, err := t.store.ReadAt(b.Bytes(), t.offset(r)); err != nil {
			b.Release()
			done(nil, err)
			return
		}
		done(b, nil)
	})
}

func (t *fakeDisk) AsyncWrite(r disk.Request, b *disk.Buffer, done func(error)) {
	t.run(func() {
		defer b.Release()
		if t.failWrites != nil {
			done(t.failWrites)
			return
		}

		_, err := t.store.WriteAt(b.Bytes(), t.offset(r))
		t.written += b.Len()
		done(err)
	})
}

func (t *fakeDisk) Saturated() bool {
	return t.saturated
}

func (t *fakeDisk) Subscribe(o disk.Observer) {
	t.observers = append(t.observers, o)
}

func (t *fakeDisk) Unsubscribe(o disk.Observer) {
	for i, v := range t.observers {
		if v == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// noPicks picker that never volunteers blocks, requests are made explicitly.
type noPicks struct {
	*blockPicker
}

func (noPicks) Pick(have, prefer *roaring.Bitmap, n int, peer *Connection) []Picked {
	return nil
}

type harness struct {
	t        testing.TB
	loop     *Loop
	clock    *timex.Manual
	cfg      *Config
	alerts   *alerts.Queue
	disk     *fakeDisk
	transfer *Transfer
	peers    int
}

func newHarness(t testing.TB, l Layout, cfg []ConfigOption, options ...TransferOption) *harness {
	clock := timex.NewManual(time.Unix(1700000000, 0))
	h := &harness{
		t:      t,
		loop:   NewLoop(),
		clock:  clock,
		cfg:    NewDefaultConfig(append([]ConfigOption{ConfigOptionClock(clock), ConfigOptionBlockSize(l.BlockSize)}, cfg...)...),
		alerts: alerts.New(alerts.OptionMask(alerts.CategoryAll)),
		disk:   newFakeDisk(l),
	}

	h.transfer = NewTransfer(h.loop, [20]byte{1}, append([]TransferOption{
		TransferOptionConfig(h.cfg),
		TransferOptionLayout(l),
		TransferOptionDisk(h.disk),
		TransferOptionAlerts(h.alerts),
	}, options...)...)

	return h
}

func manualPicks(l Layout) PiecePicker {
	return noPicks{blockPicker: NewBlockPicker(l)}
}

func testAddr(n byte) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, n, 1}), 6881)
}

func bitmapRange(lo, hi uint32) (pieces []uint32) {
	for i := lo; i < hi; i++ {
		pieces = append(pieces, i)
	}
	return pieces
}

// connect an outgoing connection through the handshake.
func (h *harness) connect(fast bool, options ...ConnectionOption) (*Connection, *fakeTransport) {
	h.peers++
	tr := &fakeTransport{}
	c := NewOutgoingConnection(h.loop, testAddr(byte(h.peers)), tr, append([]ConnectionOption{
		ConnectionOptionConfig(h.cfg),
		ConnectionOptionTransfer(h.transfer),
		ConnectionOptionAlerts(h.alerts),
	}, options...)...)

	c.OnAllowConnect()
	require.Equal(h.t, StateConnecting, c.State())
	require.NotNil(h.t, tr.connect)
	tr.connect(nil)
	h.loop.Drain()
	require.Equal(h.t, StateConnected, c.State())

	require.NoError(h.t, c.OnHandshake(Handshake{PeerID: [20]byte{byte(h.peers)}, InfoHash: h.transfer.InfoHash(), Fast: fast}))
	h.loop.Drain()
	return c, tr
}

func encode(t testing.TB, msgs ...btprotocol.Message) (encoded []byte) {
	f := btprotocol.Framer{}
	for _, m := range msgs {
		b, err := f.Encode(m)
		require.NoError(t, err)
		encoded = append(encoded, b...)
	}
	return encoded
}

// deliver feeds bytes from the peer into the outstanding reads.
func (h *harness) deliver(tr *fakeTransport, msgs ...btprotocol.Message) {
	h.deliverBytes(tr, encode(h.t, msgs...))
}

func (h *harness) deliverBytes(tr *fakeTransport, b []byte) {
	for len(b) > 0 {
		h.loop.Drain()
		require.NotEmpty(h.t, tr.reads, "no read outstanding")
		r := tr.reads[0]
		tr.reads = tr.reads[1:]
		n := copy(r.b, b)
		b = b[n:]
		r.done(n, nil)
		h.loop.Drain()
	}
}

// flush completes every write and decodes what the connection sent since the
// last flush.
func (h *harness) flush(tr *fakeTransport) (msgs []btprotocol.Message) {
	for h.loop.Drain(); len(tr.writes) > 0; h.loop.Drain() {
		w := tr.writes[0]
		tr.writes = tr.writes[1:]
		tr.out = append(tr.out, w.b...)
		w.done(len(w.b), nil)
	}

	f := btprotocol.Framer{}
	for {
		frame, ok, err := f.Peek(tr.out)
		require.NoError(h.t, err)
		if !ok || len(tr.out) < frame.Size {
			return msgs
		}

		msg, err := f.Decode(tr.out[:frame.Size])
		require.NoError(h.t, err)
		msg.Piece = append([]byte(nil), msg.Piece...)
		msgs = append(msgs, msg)
		tr.out = tr.out[frame.Size:]
	}
}

func ofType(msgs []btprotocol.Message, types ...btprotocol.MessageType) (filtered []btprotocol.Message) {
	for _, m := range msgs {
		for _, t := range types {
			if !m.Keepalive && m.Type == t {
				filtered = append(filtered, m)
			}
		}
	}
	return filtered
}

func alertsOf[T alerts.Alert](q *alerts.Queue) (matched []T) {
	for _, a := range q.Pop() {
		if v, ok := a.(T); ok {
			matched = append(matched, v)
		}
	}
	return matched
}

func blockData(l Layout, b PieceBlock) []byte {
	data := make([]byte, l.BlockLength(b))
	for i := range data {
		data[i] = byte(b.Piece) ^ byte(b.Block) ^ byte(i)
	}
	return data
}

func pieceMessage(l Layout, b PieceBlock) btprotocol.Message {
	r := l.Request(b)
	return btprotocol.NewPiece(r.Index, r.Begin, blockData(l, b))
}
