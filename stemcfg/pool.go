package stemcfg

import (
	"fmt"
	"time"

	"github.com/stemnet/stemd/clientpool"
)

const (
	// DefaultMaxInbound is the default number of inbound connections.
	DefaultMaxInbound = 100

	// DefaultMaxOutbound is the default number of outbound connections.
	DefaultMaxOutbound = 12

	// DefaultPingInterval is the default interval between keepalive
	// pings.
	DefaultPingInterval = time.Minute

	// DefaultPingTimeout is the default time a peer has to answer a
	// keepalive ping.
	DefaultPingTimeout = 30 * time.Second
)

// Pool holds the options of the connected peer pool.
//
//nolint:lll
type Pool struct {
	MaxInbound int64 `long:"max-inbound" description:"The maximum number of concurrent inbound peer connections."`

	MaxOutbound int64 `long:"max-outbound" description:"The maximum number of concurrent outbound peer connections."`

	DefaultRTT time.Duration `long:"default-rtt" description:"The round trip time assumed for a peer before it was measured."`

	RTTDecay time.Duration `long:"rtt-decay" description:"The window over which old round trip measurements of a peer lose their weight."`

	PingInterval time.Duration `long:"ping-interval" description:"The interval between keepalive pings sent to every peer."`

	PingTimeout time.Duration `long:"ping-timeout" description:"The time a peer has to answer a keepalive ping before it is disconnected."`

	BroadcastTimeout time.Duration `long:"broadcast-timeout" description:"The time a single peer has to take a fluffed transaction."`

	BroadcastParallelism int `long:"broadcast-parallelism" description:"The maximum number of peers a fluffed transaction is sent to concurrently."`
}

// DefaultPool returns the default pool options.
func DefaultPool() *Pool {
	return &Pool{
		MaxInbound:           DefaultMaxInbound,
		MaxOutbound:          DefaultMaxOutbound,
		DefaultRTT:           clientpool.DefaultRTT,
		RTTDecay:             clientpool.DefaultDecay,
		PingInterval:         DefaultPingInterval,
		PingTimeout:          DefaultPingTimeout,
		BroadcastTimeout:     clientpool.DefaultBroadcastTimeout,
		BroadcastParallelism: clientpool.DefaultBroadcastParallelism,
	}
}

// Validate checks the pool options for sanity.
//
// NOTE: This is part of the Validator interface.
func (p *Pool) Validate() error {
	switch {
	case p.MaxInbound < 0:
		return fmt.Errorf("max inbound connections (%d) must not be "+
			"negative", p.MaxInbound)

	case p.MaxOutbound <= 0:
		return fmt.Errorf("max outbound connections (%d) must be "+
			"positive", p.MaxOutbound)

	case p.DefaultRTT <= 0 || p.RTTDecay <= 0:
		return fmt.Errorf("default rtt (%v) and rtt decay (%v) must "+
			"be positive", p.DefaultRTT, p.RTTDecay)

	case p.PingInterval <= 0:
		return fmt.Errorf("ping interval (%v) must be positive",
			p.PingInterval)

	case p.PingTimeout <= 0 || p.PingTimeout >= p.PingInterval:
		return fmt.Errorf("ping timeout (%v) must be positive and "+
			"below the ping interval (%v)", p.PingTimeout,
			p.PingInterval)

	case p.BroadcastTimeout <= 0:
		return fmt.Errorf("broadcast timeout (%v) must be positive",
			p.BroadcastTimeout)

	case p.BroadcastParallelism <= 0:
		return fmt.Errorf("broadcast parallelism (%d) must be "+
			"positive", p.BroadcastParallelism)
	}

	return nil
}

// A compile time check to ensure Pool implements the Validator interface.
var _ Validator = (*Pool)(nil)
