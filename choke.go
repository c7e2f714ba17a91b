package peerwire

import (
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/anacrolix/multiless"
	"github.com/james-lawrence/peerwire/alerts"
	"github.com/james-lawrence/peerwire/btprotocol"
)

// chokeController choke and interest flags of both sides, bandwidth quotas
// and the per round transfer counters used to rank peers.
type chokeController struct {
	quota     [channels]int
	round     [channels]int64
	requested [channels]bool

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	snubbed          bool
	estReciprocation int
	lastUnchoked     time.Time
}

func newChokeController(reciprocation int) chokeController {
	return chokeController{
		amChoking:        true,
		peerChoking:      true,
		estReciprocation: reciprocation,
	}
}

// consume debits quota, never below zero, and credits the round counter.
func (t *chokeController) consume(ch Channel, n int) {
	t.quota[ch] -= min(n, t.quota[ch])
	t.round[ch] += int64(n)
}

// AssignBandwidth credits quota granted by the allocator and resumes the
// channel. safe to call from any goroutine.
func (c *Connection) AssignBandwidth(ch Channel, amount int) {
	c.exec.Post(func() {
		c.choke.requested[ch] = false
		if c.state >= StateDisconnecting {
			return
		}

		c.choke.quota[ch] += amount
		if ch == ChannelUpload {
			c.setupSend()
		} else {
			c.setupReceive()
		}
	})
}

// Quota remaining on the channel.
func (c *Connection) Quota(ch Channel) int {
	return c.choke.quota[ch]
}

// RequestBandwidth asks the allocator for quota. at most one request per
// channel is outstanding.
func (c *Connection) RequestBandwidth(ch Channel) {
	if c.choke.requested[ch] || c.state >= StateDisconnecting {
		return
	}

	amount := c.cfg.ReceiveBufferSize
	if ch == ChannelUpload {
		amount = max(c.sb.Size(), 1)
	}

	c.choke.requested[ch] = true
	c.bandwidth.RequestBandwidth(c, ch, amount)
}

// ResetUploadQuota starts a new unchoke round.
func (c *Connection) ResetUploadQuota() {
	c.choke.quota[ChannelUpload] = 0
	c.choke.round = [channels]int64{}
}

// Round bytes moved on the channel since the last ResetUploadQuota.
func (c *Connection) Round(ch Channel) int64 {
	return c.choke.round[ch]
}

func (c *Connection) EstReciprocationRate() int {
	return c.choke.estReciprocation
}

func (c *Connection) IncreaseEstReciprocationRate() {
	c.choke.estReciprocation += c.choke.estReciprocation * c.cfg.IncreaseEstReciprocationRate / 100
}

func (c *Connection) DecreaseEstReciprocationRate() {
	c.choke.estReciprocation -= c.choke.estReciprocation * c.cfg.DecreaseEstReciprocationRate / 100
}

func (c *Connection) AmChoking() bool {
	return c.choke.amChoking
}

func (c *Connection) AmInterested() bool {
	return c.choke.amInterested
}

func (c *Connection) PeerChoking() bool {
	return c.choke.peerChoking
}

func (c *Connection) PeerInterested() bool {
	return c.choke.peerInterested
}

func (c *Connection) Snubbed() bool {
	return c.choke.snubbed
}

func (c *Connection) snub() {
	if c.choke.snubbed {
		return
	}

	c.choke.snubbed = true
	c.alert(alerts.PeerSnubbed{Peer: c.Remote})
}

func (c *Connection) unsnub() {
	if !c.choke.snubbed {
		return
	}

	c.choke.snubbed = false
	c.alert(alerts.PeerUnsnubbed{Peer: c.Remote})
}

// Choke the peer. without the fast extension pending uploads are dropped,
// with it every upload outside the allowed fast set is rejected.
func (c *Connection) Choke() {
	if c.choke.amChoking || c.state >= StateDisconnecting {
		return
	}

	c.choke.amChoking = true
	c.write(btprotocol.NewChoked())

	if !c.handshake.Fast {
		c.uploads = c.uploads[:0]
		return
	}

	kept := c.uploads[:0]
	for _, r := range c.uploads {
		if c.availability.AcceptsFast(uint32(r.Index)) {
			kept = append(kept, r)
			continue
		}
		c.write(btprotocol.NewReject(r))
	}
	c.uploads = kept
}

func (c *Connection) Unchoke() {
	if !c.choke.amChoking || c.state >= StateDisconnecting {
		return
	}

	c.choke.amChoking = false
	c.choke.lastUnchoked = c.cfg.now()
	c.write(btprotocol.NewUnchoked())
	c.fillSendBuffer()
}

// updateInterest tracks whether the peer holds anything we lack.
func (c *Connection) updateInterest() {
	if c.t == nil || !c.t.HasMetadata() || c.state >= StateDisconnecting {
		return
	}

	interested := !roaring.AndNot(c.availability.Bitmap(), c.t.picker.Completed()).IsEmpty()
	if interested == c.choke.amInterested {
		return
	}

	c.choke.amInterested = interested
	c.write(btprotocol.NewInterested(interested))
}

// UploadRateCompare ranks a ahead of b when a uploads to us faster.
func UploadRateCompare(a, b *Connection) bool {
	return multiless.New().Int64(
		b.stats.PayloadRate(ChannelDownload), a.stats.PayloadRate(ChannelDownload),
	).Int64(int64(a.id), int64(b.id)).Less()
}

// BittyrantUnchokeCompare ranks a ahead of b when a needs a lower upload rate
// to keep unchoking us. ties prefer more bytes returned per byte sent this
// round, then the peer waiting longest to be unchoked.
func BittyrantUnchokeCompare(a, b *Connection) bool {
	ratio := func(c *Connection) int64 {
		return c.choke.round[ChannelDownload] * 1000 / max(1, c.choke.round[ChannelUpload])
	}

	return multiless.New().Int(
		a.choke.estReciprocation, b.choke.estReciprocation,
	).Int64(
		ratio(b), ratio(a),
	).Int64(
		a.choke.lastUnchoked.UnixNano(), b.choke.lastUnchoked.UnixNano(),
	).Int64(int64(a.id), int64(b.id)).Less()
}

// UnchokeCompare ranks a ahead of b when a sent us more this round, then by
// who has waited longest to be unchoked.
func UnchokeCompare(a, b *Connection) bool {
	return multiless.New().Int64(
		b.choke.round[ChannelDownload], a.choke.round[ChannelDownload],
	).Int64(
		a.choke.lastUnchoked.UnixNano(), b.choke.lastUnchoked.UnixNano(),
	).Int64(int64(a.id), int64(b.id)).Less()
}
