package dandelion

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestConfigValidate tests the sanity checks of the configuration.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{
			name:   "default",
			modify: func(*Config) {},
			valid:  true,
		},
		{
			name: "zero time between hop",
			modify: func(c *Config) {
				c.TimeBetweenHop = 0
			},
		},
		{
			name: "zero epoch",
			modify: func(c *Config) {
				c.EpochDuration = 0
			},
		},
		{
			name: "negative fluff probability",
			modify: func(c *Config) {
				c.FluffProbability = -0.1
			},
		},
		{
			name: "fluff probability above one",
			modify: func(c *Config) {
				c.FluffProbability = 1.01
			},
		},
		{
			name: "nan fluff probability",
			modify: func(c *Config) {
				c.FluffProbability = math.NaN()
			},
		},
		{
			name: "fluff probability bounds",
			modify: func(c *Config) {
				c.FluffProbability = 1
			},
			valid: true,
		},
		{
			name: "unknown graph",
			modify: func(c *Config) {
				c.Graph = Graph(7)
			},
		},
		{
			name: "no stem attempts",
			modify: func(c *Config) {
				c.MaxStemAttempts = 0
			},
		},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			test.modify(&cfg)

			err := cfg.Validate()
			if test.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

// TestGraph tests the stem peer counts and names of the graphs.
func TestGraph(t *testing.T) {
	t.Parallel()

	require.Equal(t, 4, GraphFourRegular.NumStemPeers())
	require.Equal(t, 1, GraphLine.NumStemPeers())

	for _, g := range []Graph{GraphFourRegular, GraphLine} {
		parsed, err := ParseGraph(g.String())
		require.NoError(t, err)
		require.Equal(t, g, parsed)
	}

	_, err := ParseGraph("ring")
	require.Error(t, err)
}

// TestEmbargoTimeout tests the average embargo timeout and the bounds of the
// jittered timeout.
func TestEmbargoTimeout(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TimeBetweenHop = time.Second
	cfg.FluffProbability = 0.25
	cfg.EmbargoJitter = false

	require.InDelta(t, 4, cfg.ExpectedStemLength(), 1e-9)
	require.Equal(t, 4*time.Second, cfg.AverageEmbargoTimeout())
	require.Equal(t, 4*time.Second, cfg.EmbargoTimeout(constRand(0.3)))

	// Without fluffing the stem length is capped.
	cfg.FluffProbability = 0
	require.EqualValues(t, MaxExpectedStemLength, cfg.ExpectedStemLength())

	rapid.Check(t, func(t *rapid.T) {
		cfg := DefaultConfig()
		cfg.FluffProbability = rapid.Float64Range(0, 1).Draw(t, "p")
		cfg.TimeBetweenHop = time.Duration(
			rapid.Int64Range(1, int64(time.Minute)).Draw(t, "hop"),
		)

		u := rapid.Float64Range(0, 0.999999).Draw(t, "u")
		avg := cfg.AverageEmbargoTimeout()
		timeout := cfg.EmbargoTimeout(constRand(u))

		require.GreaterOrEqual(t, timeout, avg/4)
		require.LessOrEqual(t, timeout, avg*4)
	})
}
