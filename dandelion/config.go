package dandelion

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Graph selects how many stem successors a node keeps per epoch.
type Graph uint8

const (
	// GraphFourRegular keeps up to four stem peers. Inbound stems are
	// spread over them by a keyed hash of the origin.
	GraphFourRegular Graph = iota

	// GraphLine keeps a single stem peer that all stems are forwarded to.
	GraphLine
)

// NumStemPeers returns the number of stem peers the graph keeps.
func (g Graph) NumStemPeers() int {
	if g == GraphLine {
		return 1
	}

	return 4
}

// String returns the configuration name of the graph.
func (g Graph) String() string {
	switch g {
	case GraphFourRegular:
		return "four-regular"
	case GraphLine:
		return "line"
	default:
		return fmt.Sprintf("graph(%d)", uint8(g))
	}
}

// ParseGraph parses the configuration name of a graph.
func ParseGraph(s string) (Graph, error) {
	switch strings.ToLower(s) {
	case "four-regular", "fourregular", "4-regular":
		return GraphFourRegular, nil
	case "line":
		return GraphLine, nil
	default:
		return 0, fmt.Errorf("unknown stem graph %q", s)
	}
}

const (
	// DefaultTimeBetweenHop is the default assumed per hop latency.
	DefaultTimeBetweenHop = 175 * time.Millisecond

	// DefaultEpochDuration is the default lifetime of an epoch.
	DefaultEpochDuration = 10 * time.Minute

	// DefaultFluffProbability is the default probability of fluffing.
	DefaultFluffProbability = 0.12

	// DefaultMaxStemAttempts is the default number of stem peers tried
	// for a single transaction before it is fluffed.
	DefaultMaxStemAttempts = 3

	// MaxExpectedStemLength caps the expected stem length, which is
	// unbounded for a fluff probability of zero.
	MaxExpectedStemLength = 100
)

// Config is the Dandelion++ configuration of a node.
type Config struct {
	// TimeBetweenHop is the assumed latency of a single stem hop.
	TimeBetweenHop time.Duration

	// EpochDuration is how long an epoch, and with it the coin and the
	// successor assignment, lasts.
	EpochDuration time.Duration

	// FluffProbability is the probability in [0, 1] that an epoch is a
	// fluff epoch, and that a local transaction is fluffed directly.
	FluffProbability float64

	// Graph selects the stem graph.
	Graph Graph

	// EmbargoJitter draws every embargo timeout from an exponential
	// distribution around the average instead of using the average.
	EmbargoJitter bool

	// MaxStemAttempts bounds how many stem peers are tried for a single
	// transaction before it is fluffed instead.
	MaxStemAttempts int
}

// DefaultConfig returns the default Dandelion++ configuration.
func DefaultConfig() Config {
	return Config{
		TimeBetweenHop:   DefaultTimeBetweenHop,
		EpochDuration:    DefaultEpochDuration,
		FluffProbability: DefaultFluffProbability,
		Graph:            GraphFourRegular,
		EmbargoJitter:    true,
		MaxStemAttempts:  DefaultMaxStemAttempts,
	}
}

// Validate checks the configuration for sanity.
func (c Config) Validate() error {
	switch {
	case c.TimeBetweenHop <= 0:
		return fmt.Errorf("time between hop must be positive, got %v",
			c.TimeBetweenHop)

	case c.EpochDuration <= 0:
		return fmt.Errorf("epoch duration must be positive, got %v",
			c.EpochDuration)

	case math.IsNaN(c.FluffProbability) || c.FluffProbability < 0 ||
		c.FluffProbability > 1:

		return fmt.Errorf("fluff probability must be within [0, 1], "+
			"got %v", c.FluffProbability)

	case c.Graph != GraphFourRegular && c.Graph != GraphLine:
		return fmt.Errorf("unknown stem graph %v", c.Graph)

	case c.MaxStemAttempts < 1:
		return fmt.Errorf("max stem attempts must be at least 1, got %d",
			c.MaxStemAttempts)
	}

	return nil
}

// ExpectedStemLength returns the expected number of hops before a stem is
// fluffed, 1/FluffProbability, capped at MaxExpectedStemLength.
func (c Config) ExpectedStemLength() float64 {
	if c.FluffProbability <= 0 {
		return MaxExpectedStemLength
	}

	return math.Min(1/c.FluffProbability, MaxExpectedStemLength)
}

// AverageEmbargoTimeout returns TimeBetweenHop times the expected stem length.
func (c Config) AverageEmbargoTimeout() time.Duration {
	return time.Duration(
		float64(c.TimeBetweenHop) * c.ExpectedStemLength(),
	)
}

// EmbargoTimeout returns the embargo timeout of a new stem transaction. With
// jitter enabled it is drawn from an exponential distribution with the average
// as its mean, clamped to a quarter and four times the average.
func (c Config) EmbargoTimeout(rng RandSource) time.Duration {
	avg := c.AverageEmbargoTimeout()
	if !c.EmbargoJitter || rng == nil {
		return avg
	}

	// 1-u is in (0, 1], so the log is finite.
	u := 1 - rng.Float64()
	d := time.Duration(-math.Log(u) * float64(avg))

	return min(max(d, avg/4), avg*4)
}
