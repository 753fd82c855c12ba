package clientpool

import (
	"runtime"
	"sync/atomic"
	"weak"

	"github.com/stemnet/stemd/peer"
)

// ClientDropGuard is an exclusive claim on one of a pooled client's flags,
// e.g. "is our stem peer". The claim is given back with Release, which the
// holder defers right after obtaining the guard.
//
// The guard only holds a weak reference to the client, so a client removed
// from the pool is not kept alive by outstanding claims.
type ClientDropGuard struct {
	id     peer.ID
	client weak.Pointer[LoadTrackedClient]

	// flag is the claimed flag, shared with the pool entry.
	flag *atomic.Bool

	released atomic.Bool
	cleanup  runtime.Cleanup
}

// newClientDropGuard wraps an already claimed flag of the given client.
func newClientDropGuard(client *LoadTrackedClient,
	flag *atomic.Bool) *ClientDropGuard {

	g := &ClientDropGuard{
		id:     client.ID(),
		client: weak.Make(client),
		flag:   flag,
	}

	// A guard that is dropped without Release still returns its claim
	// once collected.
	g.cleanup = runtime.AddCleanup(g, func(flag *atomic.Bool) {
		flag.Store(false)
	}, flag)

	return g
}

// ID returns the ID of the claimed peer.
func (g *ClientDropGuard) ID() peer.ID {
	return g.id
}

// Client returns the claimed client, or nil if the peer is gone: removed from
// the pool, disconnected or already collected.
func (g *ClientDropGuard) Client() *LoadTrackedClient {
	client := g.client.Value()
	if client == nil || !client.IsUsable() {
		return nil
	}

	return client
}

// Release gives the claim back. It is safe to call more than once, only the
// first call clears the flag.
func (g *ClientDropGuard) Release() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}

	g.cleanup.Stop()
	g.flag.Store(false)
}
