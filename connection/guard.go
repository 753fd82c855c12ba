package connection

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// BanPeer is a request to ban the remote peer of a connection for the wrapped
// duration.
type BanPeer time.Duration

// Duration returns the length of the requested ban.
func (b BanPeer) Duration() time.Duration {
	return time.Duration(b)
}

// String returns the ban duration in human readable form.
func (b BanPeer) String() string {
	return b.Duration().String()
}

// token is the state shared between a Guard and all copies of its Handle.
// The cancellation of ctx is the single source of truth for whether the
// connection is alive.
type token struct {
	ctx    context.Context
	cancel context.CancelFunc

	// ban is written at most once, the first writer wins.
	ban atomic.Pointer[BanPeer]
}

// setBan stores the ban request if no other request was stored before.
func (t *token) setBan(b BanPeer) bool {
	return t.ban.CompareAndSwap(nil, &b)
}

// Guard is owned by the goroutine that performs a connection's I/O. Closing it
// cancels the shared token and returns the admission permit, if one was held.
//
// The owner must call Close, usually with defer directly after Build, so that
// every exit path of the I/O goroutine, panics included, releases the
// connection.
type Guard struct {
	tok *token

	// release cancels the token and returns the permit exactly once.
	release func()
}

// Handle is the controller side of a connection. It is a small value type that
// can be copied freely and handed to every component that needs to observe or
// close the connection.
type Handle struct {
	tok *token
}

// Build creates a fresh Guard and Handle pair sharing one cancellation token.
// The optional permit is moved into the guard and released when the guard is
// closed.
func Build(permit fn.Option[*Permit]) (*Guard, Handle) {
	ctx, cancel := context.WithCancel(context.Background())
	tok := &token{
		ctx:    ctx,
		cancel: cancel,
	}

	release := sync.OnceFunc(func() {
		cancel()
		permit.WhenSome(func(p *Permit) {
			p.Release()
		})
	})

	guard := &Guard{
		tok:     tok,
		release: release,
	}

	// If the owner loses the guard without closing it, the connection is
	// still torn down once the guard is collected.
	runtime.AddCleanup(guard, func(release func()) {
		release()
	}, release)

	return guard, Handle{tok: tok}
}

// ShouldShutdown reports, without blocking, whether a controller requested
// that the connection be closed.
func (g *Guard) ShouldShutdown() bool {
	return g.tok.ctx.Err() != nil
}

// Done returns a channel that is closed once the connection must shut down.
// The I/O goroutine selects on it alongside its reads and writes.
func (g *Guard) Done() <-chan struct{} {
	return g.tok.ctx.Done()
}

// RequestPeerBan records a ban for the remote peer from the I/O side, e.g.
// after a protocol violation. Like Handle.BanPeer only the first request is
// kept.
func (g *Guard) RequestPeerBan(d time.Duration) {
	if g.tok.setBan(BanPeer(d)) {
		log.Debugf("Connection requested peer ban for %v", d)
	}
}

// ConnectionClosed signals that the I/O loop exited. It cancels the token and
// returns the permit.
func (g *Guard) ConnectionClosed() {
	g.release()
}

// Close is the drop path of the guard, it is an alias of ConnectionClosed
// meant to be deferred. It is safe to call more than once.
func (g *Guard) Close() {
	g.release()
}

// Context returns a context that is cancelled together with the connection.
func (h Handle) Context() context.Context {
	return h.tok.ctx
}

// Closed returns a channel that is closed once the connection is closed.
func (h Handle) Closed() <-chan struct{} {
	return h.tok.ctx.Done()
}

// IsClosed returns true if the connection was closed or asked to close.
func (h Handle) IsClosed() bool {
	return h.tok.ctx.Err() != nil
}

// BanPeer requests a ban of the remote peer for the given duration and asks
// the connection to close. Only the first ban request is kept, later calls
// still close the connection but leave the stored duration untouched.
func (h Handle) BanPeer(d time.Duration) {
	if h.tok.setBan(BanPeer(d)) {
		log.Debugf("Peer ban requested for %v", d)
	}

	h.tok.cancel()
}

// SendCloseSignal asks the connection's I/O goroutine to stop. This is
// cooperative, the goroutine observes it through ShouldShutdown or Done.
func (h Handle) SendCloseSignal() {
	h.tok.cancel()
}

// CheckShouldBan returns the recorded ban request, if any, without consuming
// it.
func (h Handle) CheckShouldBan() fn.Option[BanPeer] {
	return fn.OptionFromPtr(h.tok.ban.Load())
}
