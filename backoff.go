package clientchannel

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
)

// Reconnect backoff defaults, applied when the corresponding args are
// absent.
const (
	DefaultInitialBackoff    = 1 * time.Second
	DefaultBackoffMultiplier = 1.6
	DefaultBackoffJitter     = 0.2
	DefaultMaxBackoff        = 120 * time.Second
	DefaultMinConnectTimeout = 20 * time.Second

	// minBackoffStep is the floor applied to every backoff-related setting
	// and to every computed delay, regardless of configuration.
	minBackoffStep = 100 * time.Millisecond
)

// BackoffConfig parameterizes a jittered exponential [Backoff] schedule.
type BackoffConfig struct {
	// Initial is the first delay. Floored at 100 ms.
	Initial time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
	// Jitter in [0, 1] randomizes each delay by ±Jitter.
	Jitter float64
	// Max caps the delay. Floored at 100 ms.
	Max time.Duration
	// Fixed, when nonzero, forces every delay to exactly this value with no
	// jitter or multiplier. Testing only.
	Fixed time.Duration
}

// DefaultBackoffConfig is the schedule used when no args override it.
var DefaultBackoffConfig = BackoffConfig{
	Initial:    DefaultInitialBackoff,
	Multiplier: DefaultBackoffMultiplier,
	Jitter:     DefaultBackoffJitter,
	Max:        DefaultMaxBackoff,
}

// backoffConfigFromArgs resolves the reconnect schedule and minimum connect
// timeout from channel args, applying defaults and the 100 ms floors.
func backoffConfigFromArgs(args ChannelArgs) (BackoffConfig, time.Duration) {
	cfg := DefaultBackoffConfig
	if d, ok := args.GetDuration(ArgInitialReconnectBackoff); ok {
		cfg.Initial = floorBackoff(d)
	}
	if d, ok := args.GetDuration(ArgMaxReconnectBackoff); ok {
		cfg.Max = floorBackoff(d)
	}
	if d, ok := args.GetDuration(ArgTestingFixedReconnectBackoff); ok {
		cfg.Fixed = floorBackoff(d)
	}
	minConnectTimeout := DefaultMinConnectTimeout
	if d, ok := args.GetDuration(ArgMinReconnectBackoff); ok {
		minConnectTimeout = floorBackoff(d)
	}
	return cfg, minConnectTimeout
}

func floorBackoff(d time.Duration) time.Duration {
	if d < minBackoffStep {
		return minBackoffStep
	}
	return d
}

// Backoff produces the next-attempt time for a reconnect schedule.
//
// It layers the 100 ms minimum step and a fixed testing mode over a
// [backoff.ExponentialBackOff]. Not safe for concurrent use; the owning
// subchannel serializes access under its mutex.
type Backoff struct {
	clock clock.Clock
	fixed time.Duration
	exp   *backoff.ExponentialBackOff
}

// NewBackoff returns a Backoff for the given schedule, reading the current
// time from clk.
func NewBackoff(cfg BackoffConfig, clk clock.Clock) *Backoff {
	b := &Backoff{clock: clk, fixed: cfg.Fixed}
	if cfg.Fixed == 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = floorBackoff(cfg.Initial)
		exp.Multiplier = cfg.Multiplier
		exp.RandomizationFactor = cfg.Jitter
		exp.MaxInterval = floorBackoff(cfg.Max)
		exp.Reset()
		b.exp = exp
	}
	return b
}

// NextAttemptTime returns the earliest time the next connection attempt may
// start, and advances the schedule.
func (b *Backoff) NextAttemptTime() time.Time {
	if b.fixed != 0 {
		return b.clock.Now().Add(floorBackoff(b.fixed))
	}
	return b.clock.Now().Add(floorBackoff(b.exp.NextBackOff()))
}

// Reset rewinds the schedule to its initial delay.
func (b *Backoff) Reset() {
	if b.exp != nil {
		b.exp.Reset()
	}
}
