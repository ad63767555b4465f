package client

import (
	"time"

	"github.com/juju/clock"

	"github.com/triggerware/tw-go-client/twlog"
)

const (
	defaultFetchSize = 100
	defaultTimeout   = 30 * time.Second
)

type config struct {
	dialTimeout      time.Duration
	defaultFetchSize int
	defaultTimeout   time.Duration
	logger           twlog.Logger
	clock            clock.Clock
}

func defaultConfig() config {
	return config{
		defaultFetchSize: defaultFetchSize,
		defaultTimeout:   defaultTimeout,
		logger:           twlog.Discard,
		clock:            clock.WallClock,
	}
}

// Option configures a Client at Dial time.
type Option func(*config)

// WithDialTimeout bounds how long Dial waits for the TCP handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) { c.dialTimeout = d }
}

// WithDefaultFetchSize overrides the row-batch size ResultSets use
// when a caller does not request its own.
func WithDefaultFetchSize(n int) Option {
	return func(c *config) { c.defaultFetchSize = n }
}

// WithDefaultTimeout overrides the per-request wall-clock timeout
// ResultSets use when a caller does not request its own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *config) { c.defaultTimeout = d }
}

// WithLogger overrides the Client's discard-by-default logger.
func WithLogger(l twlog.Logger) Option {
	return func(c *config) { c.logger = twlog.OrDiscard(l) }
}

// WithClock overrides the clock.Clock the Client logs its connect time
// from and returns from Client.Clock, e.g. so tests can substitute a
// testclock.
func WithClock(cl clock.Clock) Option {
	return func(c *config) { c.clock = cl }
}
