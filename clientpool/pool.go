package clientpool

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/decred/dcrd/crypto/rand"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/stemnet/stemd/connection"
	"github.com/stemnet/stemd/peer"
	"github.com/stemnet/stemd/stemutils"
)

// ErrPoolStopped is returned when adding clients to a stopped pool.
var ErrPoolStopped = errors.New("client pool stopped")

// Config holds the dependencies of a ClientPool.
type Config struct {
	// Load configures the load estimate of every pooled client.
	Load LoadConfig

	// OnBan is called by the disconnect monitor for every closed
	// connection that carried a ban request. It must not reference the
	// pool itself, or the pool can never be collected.
	OnBan func(id peer.ID, ban connection.BanPeer)
}

// StoredClient is an entry of the pool: the client plus the flags that can be
// claimed on it. Each flag is claimed by at most one ClientDropGuard at a
// time.
type StoredClient struct {
	client *LoadTrackedClient

	// downloadingBlocks and stemPeer live in their own allocations so
	// that drop guards can share them without keeping the entry alive.
	downloadingBlocks *atomic.Bool
	stemPeer          *atomic.Bool
}

// Client returns the load tracked client of the entry.
func (s *StoredClient) Client() *LoadTrackedClient {
	return s.client
}

// IsStemPeer returns true if the peer is currently claimed as a stem peer.
func (s *StoredClient) IsStemPeer() bool {
	return s.stemPeer.Load()
}

// IsDownloadingBlocks returns true if the peer is currently claimed for a
// block download.
func (s *StoredClient) IsDownloadingBlocks() bool {
	return s.downloadingBlocks.Load()
}

// registration is the message sent to the disconnect monitor for every new
// connection.
type registration struct {
	id     peer.ID
	handle connection.Handle
}

// registrations is the sending side of the disconnect monitor's unbounded
// queue. Closing it tells the monitor that no more connections will follow.
type registrations struct {
	q *queue.ConcurrentQueue

	mu     sync.Mutex
	closed bool
}

// send queues a registration, returning false once the queue is closed.
func (r *registrations) send(reg registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	r.q.ChanIn() <- reg

	return true
}

// close closes the queue. It is safe to call more than once.
func (r *registrations) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	close(r.q.ChanIn())
}

// ClientPool is the registry of connected peers of one network zone. Lookups,
// inserts and removals of different peers never contend, and claims on a
// peer's flags are lock free compare-and-swaps on the entry.
type ClientPool struct {
	cfg Config

	clients stemutils.SyncMap[peer.ID, *StoredClient]

	regs    *registrations
	monitor *disconnectMonitor

	stopped  atomic.Bool
	stopOnce sync.Once
}

// New creates a client pool and starts its disconnect monitor. The monitor
// only holds a weak reference to the pool. When the pool is collected without
// Stop having been called, the registration queue is closed so that the
// monitor can wind down on its own.
func New(cfg Config) *ClientPool {
	q := queue.NewConcurrentQueue(20)
	q.Start()

	regs := &registrations{q: q}
	pool := &ClientPool{
		cfg:  cfg,
		regs: regs,
	}

	pool.monitor = newDisconnectMonitor(
		weak.Make(pool), q.ChanOut(), cfg.OnBan,
	)
	pool.monitor.start()

	runtime.AddCleanup(pool, func(regs *registrations) {
		regs.close()
	}, regs)

	return pool
}

// Stop closes the registration queue, asks every pooled connection to close
// and waits for the disconnect monitor to exit.
func (p *ClientPool) Stop() {
	p.stopOnce.Do(func() {
		log.Info("Client pool shutting down")

		p.stopped.Store(true)
		p.regs.close()

		p.clients.Range(func(_ peer.ID, s *StoredClient) bool {
			s.client.Client().Handle().SendCloseSignal()
			return true
		})

		p.monitor.stop()
	})
}

// MonitorDone returns a channel that is closed once the disconnect monitor
// exited.
func (p *ClientPool) MonitorDone() <-chan struct{} {
	return p.monitor.done
}

// Insert adds the client under the given ID. An existing entry is replaced
// and its client becomes unusable through outstanding guards, its connection
// is left for the disconnect monitor to reconcile.
func (p *ClientPool) Insert(id peer.ID, client *LoadTrackedClient) {
	stored := &StoredClient{
		client:            client,
		downloadingBlocks: &atomic.Bool{},
		stemPeer:          &atomic.Bool{},
	}

	old, replaced := p.clients.Swap(id, stored)
	if replaced && old.client != client {
		old.client.removed.Store(true)

		log.Debugf("Replaced pooled client of peer %v", id)
	}
}

// AddNewClient registers the connection of the client with the disconnect
// monitor and inserts it into the pool.
func (p *ClientPool) AddNewClient(client *peer.Client) error {
	if p.stopped.Load() {
		return ErrPoolStopped
	}

	// Insert before registering, so that a connection which is already
	// closed is still found and removed by the monitor.
	id := client.ID()
	p.Insert(id, NewLoadTrackedClient(client, p.cfg.Load))

	if !p.regs.send(registration{id: id, handle: client.Handle()}) {
		p.removeClosed(id, client.Handle())
		return ErrPoolStopped
	}

	log.Debugf("Added %v peer %v to client pool",
		client.Info().Direction, id)

	return nil
}

// RemoveClient removes the client of the given peer and returns it. A removed
// client is never handed out again.
func (p *ClientPool) RemoveClient(id peer.ID) fn.Option[*LoadTrackedClient] {
	stored, ok := p.clients.LoadAndDelete(id)
	if !ok {
		return fn.None[*LoadTrackedClient]()
	}

	stored.client.removed.Store(true)

	log.Debugf("Removed peer %v from client pool", id)

	return fn.Some(stored.client)
}

// removeClosed removes the entry of id if it still belongs to the connection
// of the given handle. A newer connection that reused the ID is left alone.
func (p *ClientPool) removeClosed(id peer.ID, handle connection.Handle) bool {
	stored, ok := p.clients.Load(id)
	if !ok || stored.client.Client().Handle() != handle {
		return false
	}

	if !p.clients.CompareAndDelete(id, stored) {
		return false
	}
	stored.client.removed.Store(true)

	log.Debugf("Removed disconnected peer %v from client pool", id)

	return true
}

// Contains returns true if a client for the peer is pooled.
func (p *ClientPool) Contains(id peer.ID) bool {
	_, ok := p.clients.Load(id)
	return ok
}

// Client returns the pooled client of the peer, if any.
func (p *ClientPool) Client(id peer.ID) fn.Option[*LoadTrackedClient] {
	stored, ok := p.clients.Load(id)
	if !ok {
		return fn.None[*LoadTrackedClient]()
	}

	return fn.Some(stored.client)
}

// Len returns the number of pooled clients.
func (p *ClientPool) Len() int {
	return p.clients.Len()
}

// StemPeers returns the number of peers currently claimed as stem peers.
func (p *ClientPool) StemPeers() int {
	var n int
	p.clients.Range(func(_ peer.ID, s *StoredClient) bool {
		if s.IsStemPeer() {
			n++
		}
		return true
	})

	return n
}

// Range calls visitor for every pooled client until it returns false.
func (p *ClientPool) Range(visitor func(peer.ID, *StoredClient) bool) {
	p.clients.Range(visitor)
}

// StemPeerGuard claims the given peer as a stem peer. None is returned if the
// peer is unknown or already claimed, the call never blocks.
func (p *ClientPool) StemPeerGuard(id peer.ID) fn.Option[*ClientDropGuard] {
	return p.claim(id, func(s *StoredClient) *atomic.Bool {
		return s.stemPeer
	})
}

// DownloadingBlocksGuard claims the given peer for a block download. None is
// returned if the peer is unknown or already claimed.
func (p *ClientPool) DownloadingBlocksGuard(
	id peer.ID) fn.Option[*ClientDropGuard] {

	return p.claim(id, func(s *StoredClient) *atomic.Bool {
		return s.downloadingBlocks
	})
}

// claim claims the flag selected by pick on the entry of id.
func (p *ClientPool) claim(id peer.ID,
	pick func(*StoredClient) *atomic.Bool) fn.Option[*ClientDropGuard] {

	stored, ok := p.clients.Load(id)
	if !ok || !stored.client.IsUsable() {
		return fn.None[*ClientDropGuard]()
	}

	flag := pick(stored)
	if !flag.CompareAndSwap(false, true) {
		return fn.None[*ClientDropGuard]()
	}

	return fn.Some(newClientDropGuard(stored.client, flag))
}

// OutboundClient claims an outbound peer that is not yet a stem peer. With
// more than one candidate two are drawn at random and the one with the lower
// load wins. None is returned if every outbound peer is claimed.
func (p *ClientPool) OutboundClient() fn.Option[*ClientDropGuard] {
	var candidates []*StoredClient
	p.clients.Range(func(_ peer.ID, s *StoredClient) bool {
		info := s.client.Client().Info()
		if info.Direction == peer.Outbound && !s.IsStemPeer() &&
			s.client.IsUsable() {

			candidates = append(candidates, s)
		}

		return true
	})

	for len(candidates) > 0 {
		idx := pickLighter(candidates)
		chosen := candidates[idx]

		if chosen.stemPeer.CompareAndSwap(false, true) {
			return fn.Some(
				newClientDropGuard(chosen.client, chosen.stemPeer),
			)
		}

		// Another caller claimed it first, drop it and try again.
		candidates[idx] = candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]
	}

	return fn.None[*ClientDropGuard]()
}

// pickLighter returns the index of the lighter of two randomly drawn
// candidates.
func pickLighter(candidates []*StoredClient) int {
	if len(candidates) == 1 {
		return 0
	}

	a := rand.IntN(len(candidates))
	b := rand.IntN(len(candidates) - 1)
	if b >= a {
		b++
	}

	if candidates[b].client.Load() < candidates[a].client.Load() {
		return b
	}

	return a
}
