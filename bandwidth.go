package peerwire

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Unlimited grants every request in full.
func Unlimited() BandwidthAllocator {
	return unlimited{}
}

type unlimited struct{}

func (unlimited) RequestBandwidth(c BandwidthConsumer, ch Channel, amount int) {
	c.AssignBandwidth(ch, amount)
}

type grant struct {
	c      BandwidthConsumer
	amount int
}

// NewRateAllocator token bucket per channel. burst bounds a single grant.
func NewRateAllocator(upload, download rate.Limit, burst int) *RateAllocator {
	return &RateAllocator{
		limiters: [channels]*rate.Limiter{
			ChannelUpload:   rate.NewLimiter(upload, burst),
			ChannelDownload: rate.NewLimiter(download, burst),
		},
	}
}

// RateAllocator queues requests and grants them in arrival order as tokens
// become available.
type RateAllocator struct {
	mu       sync.Mutex
	limiters [channels]*rate.Limiter
	queued   [channels][]grant
}

func (t *RateAllocator) RequestBandwidth(c BandwidthConsumer, ch Channel, amount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queued[ch] = append(t.queued[ch], grant{c: c, amount: amount})
}

// Pending requests waiting on the channel.
func (t *RateAllocator) Pending(ch Channel) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queued[ch])
}

// Tick distributes the tokens available at now. a request is granted at most
// what is available, a partial grant still completes the request.
func (t *RateAllocator) Tick(now time.Time) {
	var granted []func()

	t.mu.Lock()
	for ch := range channels {
		l := t.limiters[ch]
		q := t.queued[ch]
		for len(q) > 0 {
			available := q[0].amount
			if l.Limit() != rate.Inf {
				available = min(available, l.Burst(), int(math.Floor(l.TokensAt(now))))
			}

			if available <= 0 || !l.AllowN(now, available) {
				break
			}

			g := q[0]
			q = q[1:]
			granted = append(granted, func() { g.c.AssignBandwidth(ch, available) })
		}
		t.queued[ch] = q
	}
	t.mu.Unlock()

	for _, fn := range granted {
		fn()
	}
}

// Run ticks until the context is done.
func (t *RateAllocator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			t.Tick(now)
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
