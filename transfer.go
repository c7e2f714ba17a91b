package peerwire

import (
	"cmp"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/anacrolix/multiless"
	"github.com/google/btree"
	"github.com/james-lawrence/peerwire/alerts"
	"github.com/james-lawrence/peerwire/disk"
	"github.com/james-lawrence/peerwire/internal/errorsx"
	"github.com/james-lawrence/peerwire/internal/langx"
)

type TransferOption func(*Transfer)

func TransferOptionConfig(cfg *Config) TransferOption {
	return func(t *Transfer) {
		t.cfg = cfg
	}
}

// TransferOptionLayout the metadata is known up front.
func TransferOptionLayout(l Layout) TransferOption {
	return func(t *Transfer) {
		t.layout = l
	}
}

func TransferOptionDisk(d Disk) TransferOption {
	return func(t *Transfer) {
		t.disk = d
	}
}

func TransferOptionAlerts(a AlertSink) TransferOption {
	return func(t *Transfer) {
		t.alerts = a
	}
}

// TransferOptionPicker replaces the default rarest first picker. the picker
// is only consulted once the layout is known.
func TransferOptionPicker(fn func(Layout) PiecePicker) TransferOption {
	return func(t *Transfer) {
		t.newpicker = fn
	}
}

// TransferOptionVerify checks a piece once every block is on disk.
func TransferOptionVerify(fn func(piece uint32) bool) TransferOption {
	return func(t *Transfer) {
		t.verify = fn
	}
}

// TransferOptionPeerID our own peer id, handshakes carrying it are dropped.
func TransferOptionPeerID(id [20]byte) TransferOption {
	return func(t *Transfer) {
		t.peerid = id
	}
}

// TransferOptionHave pieces already verified.
func TransferOptionHave(pieces *roaring.Bitmap) TransferOption {
	return func(t *Transfer) {
		t.have = pieces
	}
}

// NewTransfer content identified by its info hash shared with many peers.
func NewTransfer(exec Executor, infohash [20]byte, options ...TransferOption) *Transfer {
	t := langx.Autoptr(langx.Clone(Transfer{
		exec:      exec,
		infohash:  infohash,
		newpicker: func(l Layout) PiecePicker { return NewBlockPicker(l) },
		verify:    func(uint32) bool { return true },
		have:      roaring.New(),
	}, options...))

	if t.cfg == nil {
		t.cfg = NewDefaultConfig()
	}

	if t.alerts == nil {
		t.alerts = alerts.New()
	}

	if t.layout.Valid() {
		t.setup()
	}

	return t
}

// Transfer session shared by the connections exchanging one torrent.
type Transfer struct {
	cfg       *Config
	exec      Executor
	infohash  [20]byte
	peerid    [20]byte
	layout    Layout
	picker    PiecePicker
	newpicker func(Layout) PiecePicker
	disk      Disk
	alerts    AlertSink
	verify    func(piece uint32) bool
	have      *roaring.Bitmap

	// ordered by connection id.
	conns       []*Connection
	suggested   []uint32
	failures    [KindPolicy + 1]int
	disconnects int
}

func (t *Transfer) setup() {
	t.picker = t.newpicker(t.layout)
	for i := t.have.Iterator(); i.HasNext(); {
		t.picker.MarkHave(i.Next())
	}
	t.have = nil
}

func (t *Transfer) InfoHash() [20]byte {
	return t.infohash
}

func (t *Transfer) Layout() Layout {
	return t.layout
}

func (t *Transfer) Picker() PiecePicker {
	return t.picker
}

func (t *Transfer) HasMetadata() bool {
	return t.picker != nil
}

// SetLayout provides metadata learned after peers connected. handshaken
// connections become established.
func (t *Transfer) SetLayout(l Layout) error {
	if t.HasMetadata() {
		return errorsx.New("metadata already known")
	}

	if !l.Valid() {
		return errorsx.Errorf("invalid layout %v", l)
	}

	t.layout = l
	t.setup()

	for _, c := range slices.Clone(t.conns) {
		c.onMetadata()
	}

	return nil
}

// Seeding every piece is verified.
func (t *Transfer) Seeding() bool {
	return t.HasMetadata() && t.picker.IncompletePieces() == 0
}

func (t *Transfer) superseeding() bool {
	return t.cfg.Superseed && t.Seeding()
}

func (t *Transfer) Connections() []*Connection {
	return slices.Clone(t.conns)
}

// Failures disconnects of the given kind.
func (t *Transfer) Failures(k Kind) int {
	return t.failures[k]
}

func (t *Transfer) attach(c *Connection) error {
	for _, o := range t.conns {
		if o == c {
			return nil
		}

		if c.handshake.PeerID != [20]byte{} && o.handshake.PeerID == c.handshake.PeerID {
			return errorsx.Wrapf(ErrDuplicatePeer, "%x", c.handshake.PeerID)
		}
	}

	idx, _ := slices.BinarySearchFunc(t.conns, c, func(a, b *Connection) int {
		return cmp.Compare(a.id, b.id)
	})
	t.conns = slices.Insert(t.conns, idx, c)
	return nil
}

func (t *Transfer) detach(c *Connection, reason error) {
	idx := slices.Index(t.conns, c)
	if idx < 0 {
		return
	}

	t.conns = slices.Delete(t.conns, idx, idx+1)
	t.failures[KindOf(reason)]++
	t.disconnects++
}

// Suggest a piece to every peer lacking it, and to peers connecting later.
func (t *Transfer) Suggest(piece uint32) {
	if slices.Contains(t.suggested, piece) {
		return
	}

	if t.suggested = append(t.suggested, piece); len(t.suggested) > t.cfg.MaxSuggestPieces {
		t.suggested = t.suggested[1:]
	}

	for _, c := range t.conns {
		c.Suggest(piece)
	}
}

func (t *Transfer) suggestions() []uint32 {
	return t.suggested
}

// requestBlocks tops up the connection's request queue from the picker. when
// only blocks reserved by other peers remain the connection enters endgame
// and requests a single duplicate.
func (t *Transfer) requestBlocks(c *Connection) {
	if c.state != StateEstablished || c.t != t || !t.HasMetadata() {
		return
	}

	defer c.SendBlockRequests()

	if !c.choke.amInterested {
		return
	}

	want := c.DesiredQueueSize() - len(c.requests.download) - len(c.requests.request)
	if want <= 0 {
		return
	}

	have := c.availability.Bitmap()
	if c.choke.peerChoking {
		have = roaring.And(have, c.availability.AllowedFastSet())
	}

	if have.IsEmpty() {
		return
	}

	picks := t.picker.Pick(have, c.availability.Suggested(), want, c)
	if len(picks) == 0 {
		return
	}

	if c.requests.endgame = picks[0].Busy; c.requests.endgame {
		for _, p := range picks {
			if err := c.AddRequest(p.Block, RequestBusy); err == nil {
				return
			}
		}
		return
	}

	for _, p := range picks {
		if err := c.AddRequest(p.Block, 0); err != nil {
			c.cfg.debug().Println(errorsx.Wrapf(err, "%s unable to request %s", c, p.Block))
		}
	}
}

// endgameDuplicate requests a timed out block from the best other peer. the
// origin keeps its request, whichever copy arrives first wins.
func (t *Transfer) endgameDuplicate(origin *Connection, pb PendingBlock) {
	b := pb.Block
	candidates := make([]*Connection, 0, len(t.conns))
	for _, o := range t.conns {
		if o == origin || o.state != StateEstablished || !o.availability.Has(b.Piece) {
			continue
		}

		if o.choke.peerChoking && !o.availability.AllowedFast(b.Piece) {
			continue
		}

		if q, _ := o.requests.busy(); o.requests.holds(b) || q != queueNone {
			continue
		}

		candidates = append(candidates, o)
	}

	slices.SortStableFunc(candidates, func(a, b *Connection) int {
		return multiless.New().Bool(
			a.choke.snubbed, b.choke.snubbed,
		).Int(
			len(a.requests.download), len(b.requests.download),
		).Int64(
			b.stats.PayloadRate(ChannelDownload), a.stats.PayloadRate(ChannelDownload),
		).Int64(
			int64(a.id), int64(b.id),
		).OrderingInt()
	})

	for _, o := range candidates {
		if err := o.AddRequest(b, RequestBusy|RequestTimeCritical); err != nil {
			o.cfg.debug().Println(errorsx.Wrapf(err, "%s endgame duplicate %s refused", o, b))
			continue
		}

		o.SendBlockRequests()
		o.requests.endgame = true
		origin.requests.endgame = true
		return
	}

	t.cfg.debug().Printf("%s no peer available to duplicate %s\n", origin, b)
}

// blockReceived hands the block to the disk. duplicates held by other peers
// are cancelled, their late copies are discarded on arrival.
func (t *Transfer) blockReceived(c *Connection, b PieceBlock, payload *disk.Buffer) {
	if !t.picker.MarkWriting(b, c) {
		c.discard(payload)
		return
	}

	for _, o := range slices.Clone(t.conns) {
		if o != c && o.requests.holds(b) {
			o.CancelRequest(b, false)
		}
	}

	if t.disk == nil {
		payload.Release()
		t.blockWritten(c, b, nil)
		return
	}

	n := payload.Len()
	c.writingBytes += n
	release := c.acquire()
	t.disk.AsyncWrite(
		disk.Request{Piece: b.Piece, Begin: b.Block * uint32(t.layout.BlockSize), Length: uint32(n)},
		payload,
		func(err error) {
			t.exec.Post(func() {
				defer release()
				c.writingBytes -= n
				t.blockWritten(c, b, err)
				c.setupReceive()
			})
		},
	)
}

func (t *Transfer) blockWritten(c *Connection, b PieceBlock, err error) {
	if err != nil {
		t.picker.WriteFailed(b)
		c.diskFailed(err, OpDiskWrite)
		return
	}

	complete := t.picker.MarkFinished(b)
	t.post(alerts.BlockFinished{Peer: c.Remote, Piece: b.Piece, Block: b.Block})
	if !complete {
		return
	}

	passed := t.verify(b.Piece)
	contributors := t.picker.Verified(b.Piece, passed)
	if passed {
		t.pieceFinished(b.Piece)
		return
	}

	t.post(alerts.HashFailed{Piece: b.Piece})
	for _, p := range contributors {
		t.badPiece(p)
	}
}

// badPiece bans peers that contributed to too many pieces failing
// verification.
func (t *Transfer) badPiece(c *Connection) {
	if c.badPieces++; c.badPieces <= t.cfg.MaxBadPieces {
		return
	}

	c.Ban(errorsx.Errorf("contributed to %d pieces failing verification", c.badPieces))
}

func (t *Transfer) pieceFinished(piece uint32) {
	t.post(alerts.PieceFinished{Piece: piece})

	for _, c := range slices.Clone(t.conns) {
		c.announcePiece(piece)
		c.updateInterest()
	}
}

func (t *Transfer) post(a alerts.Alert) {
	if !t.alerts.ShouldPost(a.Category()) {
		return
	}
	t.alerts.Post(a)
}

// pieceToSuperseed rarest piece the peer lacks and nobody is being offered,
// falling back to pieces offered to others. -1 when nothing is left to offer.
func (t *Transfer) pieceToSuperseed(c *Connection) int {
	offered := func(piece uint32) bool {
		for _, o := range t.conns {
			if o.availability.SuperseedOffered(piece) {
				return true
			}
		}
		return false
	}

	choose := func(exclusive bool) int {
		best, rarest := -1, 0
		for i := t.picker.Completed().Iterator(); i.HasNext(); {
			piece := i.Next()
			if c.availability.Has(piece) || c.availability.SuperseedOffered(piece) || (exclusive && offered(piece)) {
				continue
			}

			if avail := t.picker.Availability(piece); best < 0 || avail < rarest {
				best, rarest = int(piece), avail
			}
		}
		return best
	}

	if best := choose(true); best >= 0 {
		return best
	}

	return choose(false)
}

type ChokePolicy uint8

const (
	// ChokeFixedSlots unchokes the peers sending us the most this round.
	ChokeFixedSlots ChokePolicy = iota
	// ChokeRateBased unchokes the peers with the highest upload rate to us.
	ChokeRateBased
	// ChokeBittyrant spends the upload capacity on the peers returning the most
	// per byte.
	ChokeBittyrant
)

type RechokeConfig struct {
	Slots  int
	Policy ChokePolicy
	// bytes per second available for bittyrant, slots are used when zero.
	UploadCapacity int
}

// Rechoke ranks interested peers, unchokes the best and chokes the rest, then
// starts a new round.
func (t *Transfer) Rechoke(rc RechokeConfig) {
	less := UnchokeCompare
	switch rc.Policy {
	case ChokeRateBased:
		less = UploadRateCompare
	case ChokeBittyrant:
		less = BittyrantUnchokeCompare
	}

	ranking := btree.NewG(8, less)
	for _, c := range t.conns {
		if c.state != StateEstablished {
			continue
		}

		if !c.choke.peerInterested {
			c.Choke()
			continue
		}

		if rc.Policy == ChokeBittyrant && !c.choke.amChoking {
			if c.choke.peerChoking {
				c.IncreaseEstReciprocationRate()
			} else {
				c.DecreaseEstReciprocationRate()
			}
		}

		ranking.ReplaceOrInsert(c)
	}

	slots, capacity := rc.Slots, rc.UploadCapacity
	ranking.Ascend(func(c *Connection) bool {
		switch {
		case rc.Policy == ChokeBittyrant && capacity > 0:
			if c.choke.estReciprocation > capacity {
				c.Choke()
				return true
			}
			capacity -= c.choke.estReciprocation
			c.Unchoke()
		case slots > 0:
			slots--
			c.Unchoke()
		default:
			c.Choke()
		}
		return true
	})

	for _, c := range t.conns {
		c.ResetUploadQuota()
		c.setupSend()
	}
}

// Tick drives periodic maintenance of every connection.
func (t *Transfer) Tick(interval time.Duration) {
	for _, c := range slices.Clone(t.conns) {
		c.SecondTick(interval)
	}
}

// DownloadRate combined payload rate of every connection.
func (t *Transfer) DownloadRate() (rate int64) {
	for _, c := range t.conns {
		rate += c.stats.PayloadRate(ChannelDownload)
	}
	return rate
}

