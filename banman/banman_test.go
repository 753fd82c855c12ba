package banman

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stemnet/stemd/peer"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1_700_000_000, 0)

func newTestManager(t *testing.T) (*Manager, *clock.TestClock,
	*ticker.Force) {

	testClock := clock.NewTestClock(testTime)
	purgeTicker := ticker.NewForce(time.Hour)

	m := New(Config{
		BanThreshold:     3,
		ScoreBanDuration: time.Hour,
		ResetDelta:       time.Hour,
		PurgeTicker:      purgeTicker,
		Clock:            testClock,
	})
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		require.NoError(t, m.Stop())
	})

	return m, testClock, purgeTicker
}

// TestBan tests explicit bans and their expiry.
func TestBan(t *testing.T) {
	t.Parallel()

	m, testClock, _ := newTestManager(t)
	id := peer.NewID(peer.ZonePublic, "1.2.3.4:18080")

	require.False(t, m.IsBanned(id))
	require.True(t, m.BannedUntil(id).IsNone())

	m.Ban(id, 2*time.Hour)
	require.True(t, m.IsBanned(id))
	require.Equal(t, testTime.Add(2*time.Hour),
		m.BannedUntil(id).UnsafeFromSome())

	// A shorter ban leaves the longer one in place.
	m.Ban(id, time.Minute)
	require.Equal(t, testTime.Add(2*time.Hour),
		m.BannedUntil(id).UnsafeFromSome())

	testClock.SetTime(testTime.Add(2*time.Hour + time.Second))
	require.False(t, m.IsBanned(id))

	m.Ban(id, time.Hour)
	require.True(t, m.IsBanned(id))
	m.Unban(id)
	require.False(t, m.IsBanned(id))
	require.Zero(t, m.Len())
}

// TestIncrementBanScore asserts that a peer is banned once its score reaches
// the threshold.
func TestIncrementBanScore(t *testing.T) {
	t.Parallel()

	m, testClock, _ := newTestManager(t)
	id := peer.NewID(peer.ZoneTor, "abc.onion:18080")

	require.False(t, m.IncrementBanScore(id, 1))
	require.False(t, m.IncrementBanScore(id, 1))
	require.True(t, m.IncrementBanScore(id, 1))
	require.True(t, m.IsBanned(id))

	testClock.SetTime(testTime.Add(time.Hour + time.Second))
	require.False(t, m.IsBanned(id))
}

// TestPurgeBanEntries asserts that the purge loop removes expired bans and
// expired scores, and keeps everything else.
func TestPurgeBanEntries(t *testing.T) {
	t.Parallel()

	m, testClock, purgeTicker := newTestManager(t)

	banned := peer.NewID(peer.ZonePublic, "banned")
	scored := peer.NewID(peer.ZonePublic, "scored")
	longBan := peer.NewID(peer.ZonePublic, "long")

	m.Ban(banned, time.Minute)
	m.Ban(longBan, 24*time.Hour)
	m.IncrementBanScore(scored, 1)
	require.Equal(t, 3, m.Len())

	testClock.SetTime(testTime.Add(2 * time.Hour))
	purgeTicker.Force <- testClock.Now()

	require.Eventually(t, func() bool {
		return m.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, m.IsBanned(longBan))
}
