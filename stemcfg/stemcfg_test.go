package stemcfg_test

import (
	"math"
	"testing"
	"time"

	"github.com/stemnet/stemd/dandelion"
	"github.com/stemnet/stemd/stemcfg"
	"github.com/stretchr/testify/require"
)

// TestDefaultsValid asserts that every default sub configuration passes its
// own validation.
func TestDefaultsValid(t *testing.T) {
	t.Parallel()

	require.NoError(t, stemcfg.Validate(
		stemcfg.DefaultDandelion(),
		stemcfg.DefaultWorkers(),
		stemcfg.DefaultPool(),
		stemcfg.DefaultBan(),
		stemcfg.DefaultTxStore(),
		stemcfg.DefaultRelay(),
		stemcfg.DefaultPrometheus(),
	))
}

// TestDandelionRouterConfig asserts that the options are converted into the
// router configuration, with the jitter flag inverted.
func TestDandelionRouterConfig(t *testing.T) {
	t.Parallel()

	opts := stemcfg.DefaultDandelion()
	opts.Graph = "line"
	opts.NoEmbargoJitter = true
	opts.FluffProbability = 0.5

	cfg, err := opts.RouterConfig()
	require.NoError(t, err)
	require.Equal(t, dandelion.GraphLine, cfg.Graph)
	require.False(t, cfg.EmbargoJitter)
	require.Equal(t, 0.5, cfg.FluffProbability)
	require.Equal(t, dandelion.DefaultEpochDuration, cfg.EpochDuration)

	cfg, err = stemcfg.DefaultDandelion().RouterConfig()
	require.NoError(t, err)
	require.Equal(t, dandelion.DefaultConfig(), cfg)
}

// TestValidate asserts that every sub configuration rejects insane values.
func TestValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		cfg   func() stemcfg.Validator
		valid bool
	}{
		{
			name: "unknown graph",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultDandelion()
				c.Graph = "ring"
				return c
			},
		},
		{
			name: "fluff probability above one",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultDandelion()
				c.FluffProbability = 1.5
				return c
			},
		},
		{
			name: "fluff probability nan",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultDandelion()
				c.FluffProbability = math.NaN()
				return c
			},
		},
		{
			name: "always fluff",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultDandelion()
				c.FluffProbability = 1
				return c
			},
			valid: true,
		},
		{
			name: "zero workers",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultWorkers()
				c.Dandelion = 0
				return c
			},
		},
		{
			name: "zero queue",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultWorkers()
				c.QueueSize = 0
				return c
			},
		},
		{
			name: "no outbound",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultPool()
				c.MaxOutbound = 0
				return c
			},
		},
		{
			name: "no inbound",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultPool()
				c.MaxInbound = 0
				return c
			},
			valid: true,
		},
		{
			name: "ping timeout above interval",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultPool()
				c.PingTimeout = 2 * c.PingInterval
				return c
			},
		},
		{
			name: "zero ban duration",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultBan()
				c.Duration = 0
				return c
			},
		},
		{
			name: "score bans disabled",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultBan()
				c.Threshold = 0
				return c
			},
			valid: true,
		},
		{
			name: "unknown store backend",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultTxStore()
				c.Backend = "bolt"
				return c
			},
		},
		{
			name: "leveldb without path",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultTxStore()
				c.Backend = stemcfg.LevelDBBackend
				c.Path = ""
				return c
			},
		},
		{
			name: "unlimited peer rate",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultRelay()
				c.PeerRate = 0
				c.PeerBurst = 0
				return c
			},
			valid: true,
		},
		{
			name: "limited rate without burst",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultRelay()
				c.PeerBurst = 0
				return c
			},
		},
		{
			name: "prometheus bad listen",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultPrometheus()
				c.Enable = true
				c.Listen = "nope"
				return c
			},
		},
		{
			name: "prometheus disabled bad listen",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultPrometheus()
				c.Listen = "nope"
				return c
			},
			valid: true,
		},
		{
			name: "short epoch",
			cfg: func() stemcfg.Validator {
				c := stemcfg.DefaultDandelion()
				c.Epoch = time.Second
				return c
			},
			valid: true,
		},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			err := test.cfg().Validate()
			if test.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
