package connection

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestBanPeerFirstWriterWins asserts that only the first ban request of a
// connection is kept, no matter how many follow.
func TestBanPeerFirstWriterWins(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		d1 := rapid.Int64Range(1, int64(time.Hour)).Draw(t, "d1")
		d2 := rapid.Int64Range(1, int64(time.Hour)).
			Filter(func(d int64) bool { return d != d1 }).
			Draw(t, "d2")

		guard, handle := Build(fn.None[*Permit]())
		defer guard.Close()

		require.True(t, handle.CheckShouldBan().IsNone())

		handle.BanPeer(time.Duration(d1))
		handle.BanPeer(time.Duration(d2))

		// Peeking must not consume the ban.
		for i := 0; i < 2; i++ {
			ban := handle.CheckShouldBan()
			require.True(t, ban.IsSome())
			require.Equal(
				t, time.Duration(d1),
				ban.UnsafeFromSome().Duration(),
			)
		}

		require.True(t, handle.IsClosed())
		require.True(t, guard.ShouldShutdown())
	})
}

// TestBanPeerConcurrent asserts that concurrent ban requests settle on exactly
// one of the requested durations.
func TestBanPeerConcurrent(t *testing.T) {
	t.Parallel()

	guard, handle := Build(fn.None[*Permit]())
	defer guard.Close()

	var wg sync.WaitGroup
	for i := 1; i <= 16; i++ {
		wg.Add(1)
		go func(d time.Duration) {
			defer wg.Done()
			handle.BanPeer(d)
		}(time.Duration(i) * time.Second)
	}
	wg.Wait()

	ban := handle.CheckShouldBan().UnsafeFromSome().Duration()
	require.GreaterOrEqual(t, ban, time.Second)
	require.LessOrEqual(t, ban, 16*time.Second)
}

// TestGuardRequestPeerBan asserts that the I/O side can record a ban that the
// controllers then observe.
func TestGuardRequestPeerBan(t *testing.T) {
	t.Parallel()

	guard, handle := Build(fn.None[*Permit]())
	guard.RequestPeerBan(time.Minute)
	handle.BanPeer(time.Hour)
	guard.Close()

	require.Equal(
		t, BanPeer(time.Minute), handle.CheckShouldBan().UnsafeFromSome(),
	)
}

// TestSendCloseSignal asserts that a controller's close request is visible to
// the guard without blocking, and that repeated requests are harmless.
func TestSendCloseSignal(t *testing.T) {
	t.Parallel()

	guard, handle := Build(fn.None[*Permit]())
	defer guard.Close()

	clone := handle
	require.False(t, guard.ShouldShutdown())
	require.False(t, clone.IsClosed())

	handle.SendCloseSignal()
	handle.SendCloseSignal()

	require.True(t, guard.ShouldShutdown())
	require.True(t, clone.IsClosed())
	require.True(t, handle.CheckShouldBan().IsNone())

	select {
	case <-clone.Closed():
	default:
		t.Fatal("handle close channel not closed")
	}
}

// TestGuardDropClosesHandle asserts that every way out of a connection
// goroutine closes the paired handle, including a panic.
func TestGuardDropClosesHandle(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		run  func(g *Guard)
	}{
		{
			name: "explicit close",
			run: func(g *Guard) {
				g.ConnectionClosed()
			},
		},
		{
			name: "early return",
			run:  func(g *Guard) {},
		},
		{
			name: "panic",
			run: func(g *Guard) {
				panic("connection task failed")
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			guard, handle := Build(fn.None[*Permit]())

			done := make(chan struct{})
			go func() {
				defer close(done)
				defer func() {
					_ = recover()
				}()
				defer guard.Close()

				tc.run(guard)
			}()
			<-done

			require.True(t, handle.IsClosed())
		})
	}
}

// TestGuardCleanupBackstop asserts that a guard that is lost without being
// closed still closes its handle once it is collected.
func TestGuardCleanupBackstop(t *testing.T) {
	t.Parallel()

	handle := func() Handle {
		_, handle := Build(fn.None[*Permit]())
		return handle
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return handle.IsClosed()
	}, 5*time.Second, 10*time.Millisecond)
}
