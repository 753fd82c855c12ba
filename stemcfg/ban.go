package stemcfg

import (
	"fmt"
	"time"

	"github.com/stemnet/stemd/banman"
)

// DefaultMalformedScore is the default misbehavior score of relaying a
// malformed transaction.
const DefaultMalformedScore = 50

// Ban holds the options of the peer ban manager.
//
//nolint:lll
type Ban struct {
	MaxEntries uint64 `long:"max-entries" description:"The maximum number of peers whose bans and misbehavior scores are tracked."`

	Threshold uint64 `long:"threshold" description:"The misbehavior score at which a peer is banned. 0 disables score based bans."`

	Duration time.Duration `long:"duration" description:"How long a peer that reached the misbehavior threshold stays banned."`

	ResetDelta time.Duration `long:"reset-delta" description:"The time after its last misbehavior at which the score of a peer is forgotten."`

	PurgeInterval time.Duration `long:"purge-interval" description:"How often expired bans and scores are removed."`

	MalformedScore uint64 `long:"malformed-score" description:"The misbehavior score added for every malformed transaction a peer relays."`
}

// DefaultBan returns the default ban options.
func DefaultBan() *Ban {
	return &Ban{
		MaxEntries:     banman.DefaultMaxBannedPeers,
		Threshold:      banman.DefaultBanThreshold,
		Duration:       banman.DefaultScoreBanDuration,
		ResetDelta:     banman.DefaultResetDelta,
		PurgeInterval:  banman.DefaultPurgeInterval,
		MalformedScore: DefaultMalformedScore,
	}
}

// Validate checks the ban options for sanity.
//
// NOTE: This is part of the Validator interface.
func (b *Ban) Validate() error {
	switch {
	case b.MaxEntries == 0:
		return fmt.Errorf("max ban entries must be positive")

	case b.Duration <= 0:
		return fmt.Errorf("ban duration (%v) must be positive",
			b.Duration)

	case b.ResetDelta <= 0:
		return fmt.Errorf("ban reset delta (%v) must be positive",
			b.ResetDelta)

	case b.PurgeInterval <= 0:
		return fmt.Errorf("ban purge interval (%v) must be positive",
			b.PurgeInterval)
	}

	return nil
}

// A compile time check to ensure Ban implements the Validator interface.
var _ Validator = (*Ban)(nil)
