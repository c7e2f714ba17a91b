package peerwire

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestWindowSlidesOverTwentySamples(t *testing.T) {
	c := qt.New(t)
	var w window
	c.Assert(w.Mean(), qt.Equals, int64(0))

	for i := 0; i < WindowSamples; i++ {
		w.Add(10)
	}
	c.Assert(w.Mean(), qt.Equals, int64(10))

	for i := 0; i < WindowSamples; i++ {
		w.Add(30)
	}
	c.Assert(w.Mean(), qt.Equals, int64(30))

	w.Add(50)
	c.Assert(w.Mean(), qt.Equals, int64(31))
}

func TestStatsRateConverges(t *testing.T) {
	c := qt.New(t)
	var s Stats
	for i := 0; i < 50; i++ {
		s.ReceivedPayload(10000)
		s.SecondTick(time.Second)
	}

	c.Assert(s.PayloadRate(ChannelDownload) > 9900, qt.IsTrue)
	c.Assert(s.PayloadRate(ChannelDownload) <= 10000, qt.IsTrue)
	c.Assert(s.TotalPayload(ChannelDownload), qt.Equals, int64(500000))
	c.Assert(s.PeakRate(ChannelDownload), qt.Equals, s.PayloadRate(ChannelDownload))
	c.Assert(s.PayloadRate(ChannelUpload), qt.Equals, int64(0))
}

func TestStatsHalfSecondInterval(t *testing.T) {
	c := qt.New(t)
	var s Stats
	s.SentPayload(500)
	s.SentProtocol(500)
	s.SecondTick(500 * time.Millisecond)
	c.Assert(s.SendRate(), qt.Equals, int64(2000))
	c.Assert(s.PayloadRate(ChannelUpload), qt.Equals, int64(200))
}

func TestStatsPieceRate(t *testing.T) {
	c := qt.New(t)
	var s Stats
	s.BlockFinished()
	s.BlockFinished()
	s.SecondTick(time.Second)
	s.SecondTick(time.Second)
	c.Assert(s.PieceRate(), qt.Equals, int64(1))
}

func TestPeerSpeed(t *testing.T) {
	c := qt.New(t)
	withRate := func(rate int64) *Stats {
		s := &Stats{}
		s.payload[ChannelDownload].rate = rate
		return s
	}

	c.Assert(withRate(1000).PeerSpeed(1000), qt.Equals, SpeedFast)
	c.Assert(withRate(100).PeerSpeed(1000), qt.Equals, SpeedSlow)
	c.Assert(withRate(5000).PeerSpeed(160000), qt.Equals, SpeedMedium)
	c.Assert(withRate(5000).PeerSpeed(400000), qt.Equals, SpeedSlow)

	s := withRate(1000)
	c.Assert(s.PeerSpeed(1000), qt.Equals, SpeedFast)
	s.payload[ChannelDownload].rate = 1000
	c.Assert(s.PeerSpeed(20000), qt.Equals, SpeedMedium)
	c.Assert(s.PeerSpeed(20000), qt.Equals, SpeedSlow)
}
