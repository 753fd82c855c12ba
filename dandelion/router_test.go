package dandelion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stemnet/stemd/peer"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testStart = time.Unix(1_700_000_000, 0)

// routerHarness bundles a router with its mocks.
type routerHarness struct {
	router    *Router[string]
	stream    *mockStream
	broadcast *mockBroadcast
	clock     *clock.TestClock
	recorder  *countingRecorder
}

func newRouterHarness(t testing.TB, numPeers int,
	modify func(*Config)) *routerHarness {

	cfg := DefaultConfig()
	cfg.FluffProbability = 0
	if modify != nil {
		modify(&cfg)
	}

	h := &routerHarness{
		stream:    newMockStream(numPeers),
		broadcast: &mockBroadcast{},
		clock:     clock.NewTestClock(testStart),
		recorder:  &countingRecorder{},
	}

	router, err := NewRouter(&RouterConfig[string]{
		Config:    cfg,
		Discover:  h.stream,
		Broadcast: h.broadcast,
		Clock:     h.clock,
		Rand:      newSeededRand(1),
		Recorder:  h.recorder,
	})
	require.NoError(t, err)

	h.router = router

	return h
}

func stemFrom(addr string) TxState {
	return TxStateStem(peer.NewID(peer.ZonePublic, addr))
}

// TestRouterFluff asserts that fluffed transactions are always broadcast
// without touching the stem graph.
func TestRouterFluff(t *testing.T) {
	t.Parallel()

	h := newRouterHarness(t, 4, nil)

	state, err := h.router.Route(context.Background(), "tx", TxStateFluff())
	require.NoError(t, err)
	require.Equal(t, Fluff, state)
	require.Equal(t, []string{"tx"}, h.broadcast.fluffed())
	require.Zero(t, h.stream.calls)
	require.EqualValues(t, 1, h.recorder.fluffs.Load())
}

// TestRouterEpochStability asserts that within an epoch every stem origin is
// always forwarded to the same successor, and that the four regular graph
// claims four stem peers.
func TestRouterEpochStability(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		h := newRouterHarness(t, 6, nil)
		ctx := context.Background()

		origins := rapid.SliceOfN(
			rapid.StringMatching(`[a-z]{1,8}`), 1, 20,
		).Draw(rt, "origins")

		successors := make(map[string]peer.ID)
		for round := 0; round < 3; round++ {
			for i, origin := range origins {
				tx := fmt.Sprintf("%d-%d", round, i)

				state, err := h.router.Route(
					ctx, tx, stemFrom(origin),
				)
				require.NoError(rt, err)
				require.Equal(rt, Stem, state)

				to := h.stream.stemmedTo()[tx]
				require.Len(rt, to, 1)

				if prev, ok := successors[origin]; ok {
					require.Equal(rt, prev, to[0])
				}
				successors[origin] = to[0]
			}
		}

		require.Len(rt, h.router.StemPeers(), 4)
		require.Equal(rt, 4, h.stream.claimedPeers())
		require.Empty(rt, h.broadcast.fluffed())
	})
}

// TestRouterLineGraph asserts that the line graph forwards every stem to its
// single stem peer.
func TestRouterLineGraph(t *testing.T) {
	t.Parallel()

	h := newRouterHarness(t, 4, func(c *Config) {
		c.Graph = GraphLine
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := h.router.Route(
			ctx, fmt.Sprintf("tx%d", i),
			stemFrom(fmt.Sprintf("origin%d", i)),
		)
		require.NoError(t, err)
	}

	stemPeers := h.router.StemPeers()
	require.Len(t, stemPeers, 1)
	require.Equal(t, 1, h.stream.claimedPeers())

	for tx, to := range h.stream.stemmedTo() {
		require.Equal(t, []peer.ID{stemPeers[0]}, to, tx)
	}
}

// TestRouterFluffEpoch asserts that a fluff epoch fluffs every stem received,
// and that local transactions flip their own coin.
func TestRouterFluffEpoch(t *testing.T) {
	t.Parallel()

	h := newRouterHarness(t, 4, func(c *Config) {
		c.FluffProbability = 1
	})
	ctx := context.Background()

	state, err := h.router.Route(ctx, "stem", stemFrom("a"))
	require.NoError(t, err)
	require.Equal(t, Fluff, state)
	require.Equal(t, Fluff, h.router.EpochState().UnsafeFromSome())

	state, err = h.router.Route(ctx, "local", TxStateLocal())
	require.NoError(t, err)
	require.Equal(t, Fluff, state)

	require.Equal(t, []string{"stem", "local"}, h.broadcast.fluffed())
	require.Zero(t, h.stream.claimedPeers())
}

// TestRouterLocalStem asserts that a local transaction that lost the coin flip
// is stemmed, always to the same peer within the epoch.
func TestRouterLocalStem(t *testing.T) {
	t.Parallel()

	h := newRouterHarness(t, 4, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		state, err := h.router.Route(
			ctx, fmt.Sprintf("tx%d", i), TxStateLocal(),
		)
		require.NoError(t, err)
		require.Equal(t, Stem, state)
	}

	var first peer.ID
	for _, to := range h.stream.stemmedTo() {
		require.Len(t, to, 1)
		if first == (peer.ID{}) {
			first = to[0]
		}
		require.Equal(t, first, to[0])
	}
}

// TestRouterDegraded asserts that without any stem peer every stem is
// fluffed.
func TestRouterDegraded(t *testing.T) {
	t.Parallel()

	h := newRouterHarness(t, 0, nil)

	state, err := h.router.Route(context.Background(), "tx", stemFrom("a"))
	require.NoError(t, err)
	require.Equal(t, Fluff, state)
	require.Equal(t, []string{"tx"}, h.broadcast.fluffed())
}

// TestRouterNotReadyPeers asserts that peers failing their readiness check are
// released and skipped, and that a stream only offering such peers counts as
// exhausted.
func TestRouterNotReadyPeers(t *testing.T) {
	t.Parallel()

	h := newRouterHarness(t, 2, nil)
	bad, good := h.stream.peers[0], h.stream.peers[1]
	bad.readyErr = errors.New("busy")

	state, err := h.router.Route(context.Background(), "tx", stemFrom("a"))
	require.NoError(t, err)
	require.Equal(t, Stem, state)

	require.Equal(t, []peer.ID{good.id}, h.router.StemPeers())
	require.Equal(t, []string{"tx"}, good.stemmed())
	require.False(t, bad.claimed.Load())
	require.Positive(t, bad.releases.Load())
}

// TestRouterStemFailure asserts that a stem peer failing to take a transaction
// is discarded and the next one is tried, and that the transaction is fluffed
// once every attempt failed.
func TestRouterStemFailure(t *testing.T) {
	t.Parallel()

	t.Run("retry", func(t *testing.T) {
		t.Parallel()

		h := newRouterHarness(t, 1, func(c *Config) {
			c.Graph = GraphLine
		})
		extra := newMockStemService("extra")
		h.stream.peers = append(h.stream.peers, extra)

		failing := h.stream.peers[0]
		failing.stemErr = errors.New("write failed")

		state, err := h.router.Route(
			context.Background(), "tx", stemFrom("a"),
		)
		require.NoError(t, err)
		require.Equal(t, Stem, state)
		require.Equal(t, []string{"tx"}, extra.stemmed())
		require.Equal(t, []peer.ID{extra.id}, h.router.StemPeers())
		require.EqualValues(t, 1, h.recorder.failures.Load())
	})

	t.Run("give up", func(t *testing.T) {
		t.Parallel()

		h := newRouterHarness(t, 4, func(c *Config) {
			c.MaxStemAttempts = 2
		})
		for _, p := range h.stream.peers {
			p.stemErr = errors.New("write failed")
		}

		state, err := h.router.Route(
			context.Background(), "tx", stemFrom("a"),
		)
		require.NoError(t, err)
		require.Equal(t, Fluff, state)
		require.Equal(t, []string{"tx"}, h.broadcast.fluffed())
		require.EqualValues(t, 2, h.recorder.failures.Load())
	})
}

// TestRouterStaleStemFailure asserts that a stem that fails after its epoch
// ended leaves the stem peer claimed by the new epoch in place.
func TestRouterStaleStemFailure(t *testing.T) {
	t.Parallel()

	h := newRouterHarness(t, 1, func(c *Config) {
		c.Graph = GraphLine
		c.MaxStemAttempts = 1
	})
	ctx := context.Background()

	p := h.stream.peers[0]
	entered := make(chan struct{})
	fail := make(chan struct{})
	p.stemHook = func(_ context.Context, tx string) error {
		if tx != "a" {
			return nil
		}

		close(entered)
		<-fail

		return errors.New("write failed")
	}

	type result struct {
		state State
		err   error
	}
	done := make(chan result, 1)
	go func() {
		state, err := h.router.Route(ctx, "a", stemFrom("x"))
		done <- result{state, err}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("stem of tx a not started")
	}

	// The next transaction starts a new epoch, which claims the same
	// peer again.
	h.clock.SetTime(testStart.Add(DefaultEpochDuration))

	state, err := h.router.Route(ctx, "b", stemFrom("x"))
	require.NoError(t, err)
	require.Equal(t, Stem, state)
	require.EqualValues(t, 2, h.recorder.epochs.Load())

	close(fail)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("route of tx a did not return")
	}
	require.NoError(t, res.err)
	require.Equal(t, Fluff, res.state)
	require.Equal(t, []string{"a"}, h.broadcast.fluffed())

	// The peer stays the stem peer of the new epoch and keeps its claim.
	require.Equal(t, []peer.ID{p.id}, h.router.StemPeers())
	require.True(t, p.claimed.Load())
	require.EqualValues(t, 1, p.releases.Load())

	state, err = h.router.Route(ctx, "c", stemFrom("x"))
	require.NoError(t, err)
	require.Equal(t, Stem, state)
	require.Equal(t, []string{"b", "c"}, p.stemmed())
}

// TestRouterStreamErrors asserts that the end of the peer stream and stream
// failures are surfaced to the caller.
func TestRouterStreamErrors(t *testing.T) {
	t.Parallel()

	errStream := errors.New("stream broken")

	testCases := []struct {
		name  string
		err   error
		check func(*testing.T, error)
	}{
		{
			name: "exited",
			err:  io.EOF,
			check: func(t *testing.T, err error) {
				require.ErrorIs(
					t, err, ErrOutboundPeerDiscoverExited,
				)
			},
		},
		{
			name: "failed",
			err:  errStream,
			check: func(t *testing.T, err error) {
				var streamErr *OutboundPeerStreamError
				require.ErrorAs(t, err, &streamErr)
				require.ErrorIs(t, err, errStream)
			},
		},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			h := newRouterHarness(t, 4, nil)
			h.stream.setErr(test.err)

			_, err := h.router.Route(
				context.Background(), "tx", stemFrom("a"),
			)
			test.check(t, err)
			require.Empty(t, h.broadcast.fluffed())
		})
	}
}

// TestRouterEpochRotation asserts that a new epoch releases the old stem peers
// and flips the coin again.
func TestRouterEpochRotation(t *testing.T) {
	t.Parallel()

	h := newRouterHarness(t, 4, nil)
	ctx := context.Background()

	_, err := h.router.Route(ctx, "tx1", stemFrom("a"))
	require.NoError(t, err)
	require.EqualValues(t, 1, h.recorder.epochs.Load())

	before := h.router.StemPeers()
	require.Len(t, before, 4)

	h.clock.SetTime(testStart.Add(DefaultEpochDuration))

	_, err = h.router.Route(ctx, "tx2", stemFrom("a"))
	require.NoError(t, err)
	require.EqualValues(t, 2, h.recorder.epochs.Load())

	for _, p := range h.stream.peers {
		require.EqualValues(t, 1, p.releases.Load())
	}
	require.Len(t, h.router.StemPeers(), 4)

	h.router.Close()
	require.Zero(t, h.stream.claimedPeers())

	_, err = h.router.Route(ctx, "tx3", stemFrom("a"))
	require.ErrorIs(t, err, ErrRouterClosed)
}
