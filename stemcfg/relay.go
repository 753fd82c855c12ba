package stemcfg

import (
	"fmt"

	"github.com/stemnet/stemd/txrelay"
)

// Relay holds the options of the incoming transaction handler.
//
//nolint:lll
type Relay struct {
	MaxTxSize int `long:"max-tx-size" description:"The maximum size in bytes of a relayed transaction."`

	PeerRate float64 `long:"peer-rate" description:"The number of transactions per second a single peer may relay to us. 0 disables the limit."`

	PeerBurst int `long:"peer-burst" description:"The number of transactions a single peer may relay to us in a burst."`
}

// DefaultRelay returns the default relay options.
func DefaultRelay() *Relay {
	return &Relay{
		MaxTxSize: txrelay.DefaultMaxTxSize,
		PeerRate:  txrelay.DefaultPeerRate,
		PeerBurst: txrelay.DefaultPeerBurst,
	}
}

// Validate checks the relay options for sanity.
//
// NOTE: This is part of the Validator interface.
func (r *Relay) Validate() error {
	switch {
	case r.MaxTxSize <= 0:
		return fmt.Errorf("max tx size (%d) must be positive",
			r.MaxTxSize)

	case r.PeerRate < 0:
		return fmt.Errorf("peer rate (%v) must not be negative",
			r.PeerRate)

	case r.PeerRate > 0 && r.PeerBurst <= 0:
		return fmt.Errorf("peer burst (%d) must be positive when "+
			"the peer rate is limited", r.PeerBurst)
	}

	return nil
}

// A compile time check to ensure Relay implements the Validator interface.
var _ Validator = (*Relay)(nil)
