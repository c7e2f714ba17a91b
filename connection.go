package peerwire

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/james-lawrence/peerwire/alerts"
	"github.com/james-lawrence/peerwire/btprotocol"
	"github.com/james-lawrence/peerwire/connections"
	"github.com/james-lawrence/peerwire/cstate"
	"github.com/james-lawrence/peerwire/internal/atomicx"
	"github.com/james-lawrence/peerwire/internal/chansync"
	"github.com/james-lawrence/peerwire/internal/errorsx"
	"github.com/james-lawrence/peerwire/internal/langx"
)

var connectionids atomic.Uint64

type ConnectionOption func(*Connection)

func ConnectionOptionConfig(cfg *Config) ConnectionOption {
	return func(c *Connection) {
		c.cfg = cfg
	}
}

func ConnectionOptionFramer(f Framer) ConnectionOption {
	return func(c *Connection) {
		c.framer = f
	}
}

func ConnectionOptionBandwidth(b BandwidthAllocator) ConnectionOption {
	return func(c *Connection) {
		c.bandwidth = b
	}
}

func ConnectionOptionAlerts(a AlertSink) ConnectionOption {
	return func(c *Connection) {
		c.alerts = a
	}
}

// ConnectionOptionTransfer attaches the connection to a known transfer.
func ConnectionOptionTransfer(t *Transfer) ConnectionOption {
	return func(c *Connection) {
		c.t = t
	}
}

// ConnectionOptionLookup resolves the transfer of an incoming connection once
// the handshake reveals its info hash.
func ConnectionOptionLookup(fn func(infohash [20]byte) *Transfer) ConnectionOption {
	return func(c *Connection) {
		c.lookup = fn
	}
}

func ConnectionOptionLocal(addr netip.AddrPort) ConnectionOption {
	return func(c *Connection) {
		c.Local = addr
	}
}

func ConnectionOptionKind(k ConnectionKind) ConnectionOption {
	return func(c *Connection) {
		c.Kind = k
	}
}

// NewOutgoingConnection queued until OnAllowConnect.
func NewOutgoingConnection(exec Executor, remote netip.AddrPort, tr Transport, options ...ConnectionOption) *Connection {
	c := newConnection(exec, remote, tr, options...)
	c.Outgoing = true
	return c
}

// NewIncomingConnection accepted by a listener, reading starts with Start.
func NewIncomingConnection(exec Executor, remote netip.AddrPort, tr Transport, options ...ConnectionOption) *Connection {
	c := newConnection(exec, remote, tr, options...)
	c.state = StateConnected
	c.lastReceive = c.cfg.now()
	return c
}

func newConnection(exec Executor, remote netip.AddrPort, tr Transport, options ...ConnectionOption) *Connection {
	c := langx.Autoptr(langx.Clone(Connection{
		id:        connectionids.Add(1),
		exec:      exec,
		transport: tr,
		Remote:    remote,
		lookup:    func([20]byte) *Transfer { return nil },
		state:     StateQueued,
	}, options...))

	if c.cfg == nil {
		c.cfg = NewDefaultConfig()
	}

	if c.framer == nil {
		c.framer = btprotocol.Framer{MaxLength: c.cfg.MaxMessageLength}
	}

	if c.bandwidth == nil {
		c.bandwidth = Unlimited()
	}

	if c.alerts == nil {
		c.alerts = alerts.New()
	}

	c.availability = newAvailability(c.cfg.MaxSuggestPieces, c.cfg.MaxAllowedFast)
	c.choke = newChokeController(c.cfg.DefaultEstReciprocationRate)
	c.rb = NewReceiveBuffer(c.cfg.ReceiveBufferSize)
	c.refs = atomicx.NewRefs(c.finalize)

	return c
}

// Connection protocol engine for a single remote peer. every method must be
// invoked from the executor; completions of asynchronous operations are
// posted back to it.
type Connection struct {
	id        uint64
	cfg       *Config
	exec      Executor
	transport Transport
	framer    Framer
	bandwidth BandwidthAllocator
	alerts    AlertSink
	t         *Transfer
	lookup    func(infohash [20]byte) *Transfer

	Remote   netip.AddrPort
	Local    netip.AddrPort
	Kind     ConnectionKind
	Outgoing bool

	state     State
	handshake Handshake
	shook     bool
	reason    error
	op        Operation
	refs      *atomicx.Refs
	closed    chansync.SetOnce

	availability availability
	requests     requestQueues
	choke        chokeController
	stats        Stats

	rb    ReceiveBuffer
	frame btprotocol.Frame
	sb    sendBuffer

	reading bool
	writing bool
	// bytes handed to the transport for the write in flight.
	issued int

	// received blocks not yet confirmed by the disk.
	writingBytes int
	diskBlocked  bool
	subscribed   bool

	// requests the peer made of us, not yet read from disk.
	uploads      []btprotocol.RequestSpec
	readingBytes int

	rtt            time.Duration
	connectStarted time.Time
	lastReceive    time.Time
	lastSend       time.Time

	invalidRequests int
	badPieces       int
	diskFailures    int
	wasted          int64
}

func (c *Connection) String() string {
	return fmt.Sprintf("c(%d) %s %s", c.id, c.Remote, c.state)
}

func (c *Connection) ID() uint64 {
	return c.id
}

func (c *Connection) State() State {
	return c.state
}

// Closed is signaled once every outstanding operation completed after
// Disconnect.
func (c *Connection) Closed() chansync.Done {
	return c.closed.Done()
}

// Reason the connection was disconnected and the operation that failed.
func (c *Connection) Reason() (error, Operation) {
	return c.reason, c.op
}

func (c *Connection) Stats() *Stats {
	return &c.stats
}

func (c *Connection) Handshake() Handshake {
	return c.handshake
}

// Handles outstanding asynchronous operations keeping the connection alive.
func (c *Connection) Handles() int64 {
	return c.refs.Count()
}

// OutstandingWritingBytes received payload not yet confirmed by the disk.
func (c *Connection) OutstandingWritingBytes() int {
	return c.writingBytes
}

// Wasted payload bytes received that were not requested or no longer needed.
func (c *Connection) Wasted() int64 {
	return c.wasted
}

func (c *Connection) Transfer() *Transfer {
	return c.t
}

// HasPiece reports whether the peer announced the piece.
func (c *Connection) HasPiece(piece uint32) bool {
	return c.availability.Has(piece)
}

// PeerPieces snapshot of the pieces the peer announced.
func (c *Connection) PeerPieces() *roaring.Bitmap {
	return c.availability.Bitmap().Clone()
}

func (c *Connection) alert(a alerts.Alert) {
	if !c.alerts.ShouldPost(a.Category()) {
		return
	}
	c.alerts.Post(a)
}

// acquire a handle for an asynchronous operation. the returned release is
// idempotent.
func (c *Connection) acquire() (release func()) {
	var once sync.Once
	c.refs.Acquire()
	return func() {
		once.Do(func() { c.refs.Release() })
	}
}

// async wraps a completion so it runs on the executor while holding a handle.
func async[T any](c *Connection, fn func(T)) func(T) {
	release := c.acquire()
	return func(v T) {
		c.exec.Post(func() {
			defer release()
			fn(v)
		})
	}
}

func async2[T, Y any](c *Connection, fn func(T, Y)) func(T, Y) {
	release := c.acquire()
	return func(a T, b Y) {
		c.exec.Post(func() {
			defer release()
			fn(a, b)
		})
	}
}

func (c *Connection) setState(s State) {
	from := c.state
	c.state = s
	c.cfg.debug().Printf("%s transitioned %s -> %s\n", c, from, s)
	c.alert(alerts.StateChanged{Peer: c.Remote, From: from.String(), To: s.String()})
}

// OnAllowConnect begins connecting a queued outgoing connection.
func (c *Connection) OnAllowConnect() {
	if c.state != StateQueued {
		return
	}

	c.setState(StateConnecting)
	c.connectStarted = c.cfg.now()
	c.transport.Connect(async(c, c.onConnected))
}

func (c *Connection) onConnected(err error) {
	if c.state >= StateDisconnecting {
		return
	}

	if err != nil {
		c.Disconnect(TransportFailure(errorsx.Wrap(err, "connect failed")), OpConnect)
		return
	}

	now := c.cfg.now()
	c.rtt = now.Sub(c.connectStarted)
	c.lastReceive = now
	c.setState(StateConnected)
	c.setupReceive()
}

// Start reading from an incoming connection.
func (c *Connection) Start() {
	if c.state != StateConnected {
		return
	}

	c.setupReceive()
}

// OnHandshake records the negotiated handshake and attaches the connection
// to its transfer. the connection is established immediately when the
// transfer has its metadata, otherwise once it arrives.
func (c *Connection) OnHandshake(h Handshake) error {
	if c.state != StateConnected || c.shook {
		return errorsx.Errorf("unexpected handshake in state %s", c.state)
	}

	c.handshake = h
	c.shook = true
	c.cfg.debug().Printf("%s handshake: %s\n", c, dump(h))

	if c.t == nil {
		c.t = c.lookup(h.InfoHash)
	}

	if c.t == nil {
		err := PolicyViolation(errorsx.Errorf("unknown info hash %x", h.InfoHash))
		c.Disconnect(err, OpPolicy)
		return err
	}

	if c.t.peerid != [20]byte{} && h.PeerID == c.t.peerid {
		err := PolicyViolation(ErrSelfConnection)
		c.Disconnect(err, OpPolicy)
		return err
	}

	if err := c.t.attach(c); err != nil {
		err = PolicyViolation(err)
		c.Disconnect(err, OpPolicy)
		return err
	}

	if c.t.HasMetadata() {
		return c.establish()
	}

	return nil
}

// onMetadata invoked by the transfer once the piece layout is known.
func (c *Connection) onMetadata() {
	if c.state != StateConnected || !c.shook {
		return
	}

	c.establish()
}

func (c *Connection) establish() error {
	c.setState(StateEstablished)

	if c.t.disk != nil {
		c.t.disk.Subscribe(c)
		c.subscribed = true
	}

	if err := cstate.Run(context.Background(), establishing(c), c.cfg.debug()); err != nil {
		c.Disconnect(err, OpProtocol)
		return err
	}

	return nil
}

// Disconnect tears down the connection, releasing every reservation. further
// calls are ignored. the connection closes once outstanding operations
// completed.
func (c *Connection) Disconnect(reason error, op Operation) {
	if c.state >= StateDisconnecting {
		return
	}

	c.reason, c.op = reason, op
	c.setState(StateDisconnecting)

	c.cfg.debug().Printf("%s disconnecting during %s: %v\n", c, op, reason)

	c.alert(alerts.PeerDisconnected{Peer: c.Remote, Operation: op.String(), Cause: reason})
	if banned, silent := connections.Banned(reason); banned && !silent {
		c.alert(alerts.PeerBanned{Peer: c.Remote, Cause: reason})
	}

	c.releaseRequests()
	c.uploads = nil

	if c.t != nil {
		if c.counted() {
			c.t.picker.DecRefcount(c.availability.Bitmap())
		}

		if c.subscribed {
			c.t.disk.Unsubscribe(c)
			c.subscribed = false
		}

		c.t.detach(c, reason)
	}

	if !c.reading {
		c.rb.Close()
	}

	if !c.writing {
		c.sb.Clear()
	}

	if err := c.transport.Close(); err != nil {
		c.cfg.debug().Println(errorsx.Wrapf(err, "%s close failed", c))
	}

	c.refs.Seal()
}

// finalize runs once the connection is disconnecting and every handle was
// released.
func (c *Connection) finalize() {
	c.exec.Post(func() {
		c.rb.Close()
		c.sb.Clear()
		c.setState(StateClosed)
		c.closed.Set()
	})
}

// SecondTick periodic maintenance: rate sampling, request timeouts,
// keepalives and inactivity detection.
func (c *Connection) SecondTick(interval time.Duration) {
	if c.state < StateConnected || c.state >= StateDisconnecting {
		return
	}

	now := c.cfg.now()
	c.stats.SecondTick(interval)

	if d := now.Sub(c.lastReceive); d > c.cfg.InactivityTimeout {
		c.Disconnect(TransportFailure(errorsx.Timedout(errorsx.Wrapf(ErrInactive, "nothing received for %s", d), c.cfg.InactivityTimeout)), OpTimeout)
		return
	}

	if c.state != StateEstablished {
		return
	}

	c.TimeoutRequests(now)
	c.expireCancelled(now)

	if c.sb.Empty() && now.Sub(c.lastSend) >= c.cfg.KeepaliveInterval {
		c.write(btprotocol.NewKeepAlive())
	}

	c.t.requestBlocks(c)
}

// OnDisk resumes reading once the disk queue drained.
func (c *Connection) OnDisk() {
	c.exec.Post(func() {
		if !c.diskBlocked {
			return
		}

		c.diskBlocked = false
		c.setupReceive()
	})
}

// Ban disconnects the peer and prevents reconnecting.
func (c *Connection) Ban(cause error) {
	c.Disconnect(PolicyViolation(connections.NewBanned(c.Remote, false, cause)), OpPolicy)
}
