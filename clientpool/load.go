package clientpool

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stemnet/stemd/peer"
)

const (
	// DefaultRTT is the round trip time assumed for a peer before the
	// first measurement.
	DefaultRTT = time.Second

	// DefaultDecay is the window over which old round trip measurements
	// lose their weight.
	DefaultDecay = 10 * time.Second
)

// LoadConfig configures the load estimate of a LoadTrackedClient.
type LoadConfig struct {
	// DefaultRTT seeds the estimate of a fresh client.
	DefaultRTT time.Duration

	// Decay is the time constant of the exponential decay.
	Decay time.Duration

	// Clock is the time source of the estimator.
	Clock clock.Clock
}

// DefaultLoadConfig returns the load configuration used when none is given.
func DefaultLoadConfig() LoadConfig {
	return LoadConfig{
		DefaultRTT: DefaultRTT,
		Decay:      DefaultDecay,
		Clock:      clock.NewDefaultClock(),
	}
}

// LoadTrackedClient wraps a peer client with a Peak-EWMA estimate of its
// round trip time. Slow or saturated peers report a higher load and are picked
// less often.
type LoadTrackedClient struct {
	client *peer.Client
	cfg    LoadConfig

	// mu guards the estimate and its timestamp.
	mu sync.Mutex

	// rttNanos is the current estimate in nanoseconds as of stamp.
	rttNanos float64
	stamp    time.Time

	// pending is the number of calls in flight.
	pending atomic.Int64

	// removed is set once the client left the pool and must no longer be
	// used through outstanding drop guards.
	removed atomic.Bool
}

// NewLoadTrackedClient wraps the client with a fresh load estimate.
func NewLoadTrackedClient(client *peer.Client,
	cfg LoadConfig) *LoadTrackedClient {

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.DefaultRTT <= 0 {
		cfg.DefaultRTT = DefaultRTT
	}
	if cfg.Decay <= 0 {
		cfg.Decay = DefaultDecay
	}

	return &LoadTrackedClient{
		client:   client,
		cfg:      cfg,
		rttNanos: float64(cfg.DefaultRTT),
		stamp:    cfg.Clock.Now(),
	}
}

// ID returns the ID of the remote peer.
func (c *LoadTrackedClient) ID() peer.ID {
	return c.client.ID()
}

// Client returns the wrapped client.
func (c *LoadTrackedClient) Client() *peer.Client {
	return c.client
}

// IsUsable returns false once the client was removed from the pool or its
// connection closed.
func (c *LoadTrackedClient) IsUsable() bool {
	return !c.removed.Load() && !c.client.IsClosed()
}

// Load returns the current load of the peer: the decayed round trip estimate
// multiplied by the number of calls in flight plus one.
func (c *LoadTrackedClient) Load() float64 {
	c.mu.Lock()
	estimate := c.decayLocked(c.cfg.Clock.Now())
	c.mu.Unlock()

	return estimate * float64(c.pending.Load()+1)
}

// RTT returns the current round trip estimate.
func (c *LoadTrackedClient) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return time.Duration(c.decayLocked(c.cfg.Clock.Now()))
}

// ObserveRTT folds a round trip measurement into the estimate. A sample above
// the estimate replaces it, lower samples are blended in according to the
// time elapsed since the last update.
func (c *LoadTrackedClient) ObserveRTT(rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	sample := float64(rtt)

	if sample > c.rttNanos {
		c.rttNanos = sample
	} else {
		decay := c.decayFactor(now)
		c.rttNanos = c.rttNanos*decay + sample*(1-decay)
	}
	c.stamp = now
}

// decayLocked decays the estimate towards zero for the time elapsed since the
// last update and returns it.
//
// NOTE: mu must be held.
func (c *LoadTrackedClient) decayLocked(now time.Time) float64 {
	c.rttNanos *= c.decayFactor(now)
	c.stamp = now

	return c.rttNanos
}

// decayFactor returns exp(-elapsed/decay) for the time elapsed since the last
// update.
func (c *LoadTrackedClient) decayFactor(now time.Time) float64 {
	elapsed := now.Sub(c.stamp)
	if elapsed <= 0 {
		return 1
	}

	return math.Exp(-float64(elapsed) / float64(c.cfg.Decay))
}

// Ready blocks until the peer can accept another request.
func (c *LoadTrackedClient) Ready(ctx context.Context) error {
	return c.client.Ready(ctx)
}

// Call forwards the request to the peer and records its round trip time.
func (c *LoadTrackedClient) Call(ctx context.Context,
	req peer.Request) (peer.Response, error) {

	c.pending.Add(1)
	defer c.pending.Add(-1)

	start := c.cfg.Clock.Now()
	resp, err := c.client.Call(ctx, req)
	if err != nil {
		return resp, err
	}

	c.ObserveRTT(c.cfg.Clock.Now().Sub(start))

	return resp, nil
}
