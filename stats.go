package peerwire

import (
	"time"

	"github.com/james-lawrence/peerwire/internal/timex"
)

// WindowSamples length of the sliding windows.
const WindowSamples = 20

// window fixed length sliding average.
type window struct {
	samples [WindowSamples]int64
	next    int
	n       int
	sum     int64
}

func (t *window) Add(v int64) {
	if t.n == WindowSamples {
		t.sum -= t.samples[t.next]
	} else {
		t.n++
	}

	t.samples[t.next] = v
	t.sum += v
	t.next = (t.next + 1) % WindowSamples
}

func (t *window) Mean() int64 {
	if t.n == 0 {
		return 0
	}

	return t.sum / int64(t.n)
}

// channelStat byte counter with a 5 sample moving average rate.
type channelStat struct {
	counter int64
	total   int64
	rate    int64
	peak    int64
}

func (t *channelStat) add(n int) {
	t.counter += int64(n)
	t.total += int64(n)
}

func (t *channelStat) tick(ms int64) {
	sample := t.counter * 1000 / ms
	t.rate = t.rate*4/5 + sample/5
	t.peak = max(t.peak, t.rate)
	t.counter = 0
}

type Speed uint8

const (
	SpeedSlow Speed = iota
	SpeedMedium
	SpeedFast
)

func (t Speed) String() string {
	switch t {
	case SpeedFast:
		return "fast"
	case SpeedMedium:
		return "medium"
	default:
		return "slow"
	}
}

// Stats transfer accounting for a single peer.
type Stats struct {
	payload  [channels]channelStat
	protocol [channels]channelStat

	pieceRate window
	sendRate  window
	blocks    int64
	sent      int64
	speed     Speed
}

func (t *Stats) ReceivedPayload(n int) {
	t.payload[ChannelDownload].add(n)
}

func (t *Stats) ReceivedProtocol(n int) {
	t.protocol[ChannelDownload].add(n)
}

func (t *Stats) SentPayload(n int) {
	t.payload[ChannelUpload].add(n)
	t.sent += int64(n)
}

func (t *Stats) SentProtocol(n int) {
	t.protocol[ChannelUpload].add(n)
	t.sent += int64(n)
}

// BlockFinished counts a block towards the piece rate.
func (t *Stats) BlockFinished() {
	t.blocks++
}

// SecondTick advances every window by one sample.
func (t *Stats) SecondTick(interval time.Duration) {
	ms := timex.Milliseconds(interval)
	for ch := range channels {
		t.payload[ch].tick(ms)
		t.protocol[ch].tick(ms)
	}

	t.pieceRate.Add(t.blocks * 1000 / ms)
	t.sendRate.Add(t.sent * 1000 / ms)
	t.blocks, t.sent = 0, 0
}

// PayloadRate bytes per second of payload.
func (t *Stats) PayloadRate(ch Channel) int64 {
	return t.payload[ch].rate
}

func (t *Stats) ProtocolRate(ch Channel) int64 {
	return t.protocol[ch].rate
}

func (t *Stats) TotalPayload(ch Channel) int64 {
	return t.payload[ch].total
}

func (t *Stats) TotalProtocol(ch Channel) int64 {
	return t.protocol[ch].total
}

func (t *Stats) PeakRate(ch Channel) int64 {
	return t.payload[ch].peak
}

// PieceRate blocks per second averaged over the window.
func (t *Stats) PieceRate() int64 {
	return t.pieceRate.Mean()
}

// SendRate bytes per second averaged over the window.
func (t *Stats) SendRate() int64 {
	return t.sendRate.Mean()
}

// PeerSpeed buckets the peer relative to the transfer's download rate.
func (t *Stats) PeerSpeed(transferRate int64) Speed {
	rate := t.PayloadRate(ChannelDownload)

	switch {
	case rate > 512 && rate > transferRate/16:
		t.speed = SpeedFast
	case rate > 4096 && rate > transferRate/64:
		t.speed = SpeedMedium
	case rate < transferRate/15 && t.speed == SpeedFast:
		t.speed = SpeedMedium
	default:
		t.speed = SpeedSlow
	}

	return t.speed
}
