package stemcfg

import (
	"time"

	"github.com/stemnet/stemd/dandelion"
)

// Dandelion holds the Dandelion++ routing options.
//
//nolint:lll
type Dandelion struct {
	TimeBetweenHop time.Duration `long:"time-between-hop" description:"The assumed latency of a single stem hop. Together with the fluff probability it determines the embargo timeout of stemmed transactions."`

	Epoch time.Duration `long:"epoch" description:"How long the stem/fluff coin and the stem successors of the node are kept before they are redrawn."`

	FluffProbability float64 `long:"fluff-probability" description:"The probability in [0, 1] that an epoch fluffs every transaction, and that a local transaction is fluffed right away."`

	Graph string `long:"graph" description:"The stem graph. A line keeps a single stem peer, four-regular spreads stems over up to four." choice:"four-regular" choice:"line"`

	NoEmbargoJitter bool `long:"no-embargo-jitter" description:"Use the average embargo timeout for every transaction instead of drawing it from an exponential distribution."`

	MaxStemAttempts int `long:"max-stem-attempts" description:"The number of stem peers tried for a single transaction before it is fluffed."`
}

// DefaultDandelion returns the default Dandelion++ options.
func DefaultDandelion() *Dandelion {
	return &Dandelion{
		TimeBetweenHop:   dandelion.DefaultTimeBetweenHop,
		Epoch:            dandelion.DefaultEpochDuration,
		FluffProbability: dandelion.DefaultFluffProbability,
		Graph:            dandelion.GraphFourRegular.String(),
		MaxStemAttempts:  dandelion.DefaultMaxStemAttempts,
	}
}

// RouterConfig converts the options into the router's configuration.
func (d *Dandelion) RouterConfig() (dandelion.Config, error) {
	graph, err := dandelion.ParseGraph(d.Graph)
	if err != nil {
		return dandelion.Config{}, err
	}

	return dandelion.Config{
		TimeBetweenHop:   d.TimeBetweenHop,
		EpochDuration:    d.Epoch,
		FluffProbability: d.FluffProbability,
		Graph:            graph,
		EmbargoJitter:    !d.NoEmbargoJitter,
		MaxStemAttempts:  d.MaxStemAttempts,
	}, nil
}

// Validate checks that the options form a valid router configuration.
//
// NOTE: This is part of the Validator interface.
func (d *Dandelion) Validate() error {
	cfg, err := d.RouterConfig()
	if err != nil {
		return err
	}

	return cfg.Validate()
}

// A compile time check to ensure Dandelion implements the Validator
// interface.
var _ Validator = (*Dandelion)(nil)
