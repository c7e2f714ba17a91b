package peerwire

import (
	"log"
	"time"

	"github.com/james-lawrence/peerwire/internal/langx"
	"github.com/james-lawrence/peerwire/internal/timex"
)

// Config tunables shared by every connection of a transfer.
type Config struct {
	BlockSize int

	// requests still awaiting data after this long are timed out.
	RequestTimeout time.Duration
	// seconds of data we try to keep requested from each peer.
	RequestQueueTime   time.Duration
	MinRequestQueue    int
	MaxOutRequestQueue int

	MaxSuggestPieces   int
	MaxAllowedFast     int
	AllowedFastSetSize uint32

	SendBufferWatermark int
	MaxQueuedDiskBytes  int
	ReceiveBufferSize   int
	MaxMessageLength    int

	DefaultEstReciprocationRate  int
	IncreaseEstReciprocationRate int
	DecreaseEstReciprocationRate int

	MaxInvalidRequests int
	MaxBadPieces       int
	MaxDiskFailures    int
	MaxSkipped         int

	InactivityTimeout time.Duration
	KeepaliveInterval time.Duration

	// offer at most two pieces at a time to each peer.
	Superseed bool

	clock  timex.Clock
	Logger logging
	Debug  logging
}

func (t *Config) debug() logging {
	return t.Debug
}

func (t *Config) errors() logging {
	return t.Logger
}

func (t *Config) now() time.Time {
	return t.clock.Now()
}

type ConfigOption func(*Config)

func ConfigOptionBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.BlockSize = n
	}
}

func ConfigOptionRequestTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

func ConfigOptionRequestQueue(window time.Duration, lo, hi int) ConfigOption {
	return func(c *Config) {
		c.RequestQueueTime = window
		c.MinRequestQueue = lo
		c.MaxOutRequestQueue = hi
	}
}

func ConfigOptionMaxQueuedDiskBytes(n int) ConfigOption {
	return func(c *Config) {
		c.MaxQueuedDiskBytes = n
	}
}

func ConfigOptionSuperseed(b bool) ConfigOption {
	return func(c *Config) {
		c.Superseed = b
	}
}

func ConfigOptionInactivityTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.InactivityTimeout = d
	}
}

func ConfigOptionClock(clock timex.Clock) ConfigOption {
	return func(c *Config) {
		c.clock = clock
	}
}

func ConfigOptionLogger(l logging) ConfigOption {
	return func(c *Config) {
		c.Logger = l
	}
}

// ConfigOptionDebug enables debug logging.
func ConfigOptionDebug(l logging) ConfigOption {
	return func(c *Config) {
		c.Debug = l
	}
}

func ConfigOptionCompose(options ...ConfigOption) ConfigOption {
	return langx.Compose(options...)
}

func NewDefaultConfig(options ...ConfigOption) *Config {
	return langx.Autoptr(langx.Clone(Config{
		BlockSize:                    16 * 1024,
		RequestTimeout:               60 * time.Second,
		RequestQueueTime:             3 * time.Second,
		MinRequestQueue:              2,
		MaxOutRequestQueue:           500,
		MaxSuggestPieces:             16,
		MaxAllowedFast:               10,
		AllowedFastSetSize:           10,
		SendBufferWatermark:          512 * 1024,
		MaxQueuedDiskBytes:           1024 * 1024,
		ReceiveBufferSize:            32 * 1024,
		MaxMessageLength:             256 * 1024,
		DefaultEstReciprocationRate:  16000,
		IncreaseEstReciprocationRate: 20,
		DecreaseEstReciprocationRate: 3,
		MaxInvalidRequests:           300,
		MaxBadPieces:                 10,
		MaxDiskFailures:              100,
		MaxSkipped:                   3,
		InactivityTimeout:            600 * time.Second,
		KeepaliveInterval:            120 * time.Second,
		clock:                        timex.System(),
		Logger:                       log.Default(),
		Debug:                        LogDiscard(),
	}, options...))
}
