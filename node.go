package stemd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stemnet/stemd/banman"
	"github.com/stemnet/stemd/build"
	"github.com/stemnet/stemd/clientpool"
	"github.com/stemnet/stemd/connection"
	"github.com/stemnet/stemd/dandelion"
	"github.com/stemnet/stemd/monitoring"
	"github.com/stemnet/stemd/peer"
	"github.com/stemnet/stemd/stemcfg"
	"github.com/stemnet/stemd/stemutils"
	"github.com/stemnet/stemd/txrelay"
	"github.com/stemnet/stemd/txstore"
	"golang.org/x/time/rate"
)

var (
	// ErrPeerBanned is returned when a banned peer tries to connect.
	ErrPeerBanned = errors.New("peer is banned")

	// ErrInboundFull is returned when an inbound connection arrives while
	// every inbound slot is taken.
	ErrInboundFull = errors.New("too many inbound connections")
)

// txStore is the store of the relay state of raw transactions.
type txStore = dandelion.TxStore[[]byte, txrelay.TxID]

// Node is the relay side of a full node. It accepts the connections produced
// by the transport, tracks them in the client pool and runs every transaction
// received from them, or created locally, through Dandelion++.
type Node struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	store      txStore
	closeStore func() error

	inboundPermits  *connection.PermitSet
	outboundPermits *connection.PermitSet

	pool    *clientpool.ClientPool
	router  *dandelion.Router[[]byte]
	poolMgr *dandelion.PoolManager[[]byte, txrelay.TxID]
	relay   *txrelay.Handler
	banMgr  *banman.Manager

	metrics  *monitoring.Metrics
	exporter fn.Option[*monitoring.Exporter]

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewNode creates a node from the given config. Transactions are checked
// against the mempool policy with the given verifier.
func NewNode(cfg *Config, verifier txrelay.Verifier) (*Node, error) {
	dcfg, err := cfg.Dandelion.RouterConfig()
	if err != nil {
		return nil, err
	}

	store, closeStore, err := newTxStore(cfg.TxStore)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:        cfg,
		store:      store,
		closeStore: closeStore,
		inboundPermits: connection.NewPermitSet(
			cfg.Pool.MaxInbound,
		),
		outboundPermits: connection.NewPermitSet(
			cfg.Pool.MaxOutbound,
		),
		metrics:  monitoring.NewMetrics(),
		exporter: fn.None[*monitoring.Exporter](),
		quit:     make(chan struct{}),
	}

	n.banMgr = banman.New(banman.Config{
		MaxEntries:       cfg.Ban.MaxEntries,
		BanThreshold:     cfg.Ban.Threshold,
		ScoreBanDuration: cfg.Ban.Duration,
		ResetDelta:       cfg.Ban.ResetDelta,
		PurgeTicker:      ticker.New(cfg.Ban.PurgeInterval),
		Clock:            clock.NewDefaultClock(),
	})

	// The ban sink only captures the ban manager, the pool must not be
	// reachable from its own disconnect monitor.
	banMgr := n.banMgr
	n.pool = clientpool.New(clientpool.Config{
		Load: clientpool.LoadConfig{
			DefaultRTT: cfg.Pool.DefaultRTT,
			Decay:      cfg.Pool.RTTDecay,
		},
		OnBan: func(id peer.ID, ban connection.BanPeer) {
			banMgr.Ban(id, ban.Duration())
		},
	})

	broadcaster := clientpool.NewBroadcaster(clientpool.BroadcasterConfig{
		Pool:        n.pool,
		Timeout:     cfg.Pool.BroadcastTimeout,
		Parallelism: cfg.Pool.BroadcastParallelism,
		OnPeerFailure: func(peer.ID, error) {
			n.metrics.PeerBroadcastFailed()
		},
	})

	n.router, err = dandelion.NewRouter(&dandelion.RouterConfig[[]byte]{
		Config:    dcfg,
		Discover:  clientpool.NewStemStream(n.pool),
		Broadcast: broadcaster,
		Recorder:  n.metrics,
	})
	if err != nil {
		n.cleanup()
		return nil, fmt.Errorf("unable to create router: %w", err)
	}

	n.poolMgr, err = dandelion.NewPoolManager(
		&dandelion.PoolManagerConfig[[]byte, txrelay.TxID]{
			Config:    dcfg,
			Router:    n.router,
			Store:     store,
			Workers:   cfg.Workers.Dandelion,
			QueueSize: cfg.Workers.QueueSize,
			Recorder:  n.metrics,
		},
	)
	if err != nil {
		n.cleanup()
		return nil, fmt.Errorf("unable to create pool manager: %w",
			err)
	}

	n.relay, err = txrelay.NewHandler(&txrelay.Config{
		Verifier:  verifier,
		Pool:      n.poolMgr,
		MaxTxSize: cfg.Relay.MaxTxSize,
		PeerRate:  rate.Limit(cfg.Relay.PeerRate),
		PeerBurst: cfg.Relay.PeerBurst,
		OnReject:  n.onReject,
	})
	if err != nil {
		n.cleanup()
		return nil, fmt.Errorf("unable to create relay handler: %w",
			err)
	}

	err = n.metrics.RegisterPoolGauges(n.pool.Len, n.pool.StemPeers)
	if err != nil {
		n.cleanup()
		return nil, err
	}

	if cfg.Prometheus.Enable {
		n.exporter = fn.Some(monitoring.NewExporter(
			monitoring.ExporterConfig{
				Listen:   cfg.Prometheus.Listen,
				Registry: n.metrics.Registry(),
			},
		))
	}

	return n, nil
}

// newTxStore opens the configured store backend. The returned closure
// releases the store.
func newTxStore(cfg *stemcfg.TxStore) (txStore, func() error, error) {
	switch cfg.Backend {
	case stemcfg.LevelDBBackend:
		store, err := txstore.OpenLevelDB[txrelay.TxID](cfg.Path)
		if err != nil {
			return nil, nil, err
		}

		return store, store.Close, nil

	default:
		store := txstore.NewMemStore[[]byte, txrelay.TxID](cfg.MaxTxs)

		return store, func() error { return nil }, nil
	}
}

// cleanup releases what NewNode acquired before it failed.
func (n *Node) cleanup() {
	n.pool.Stop()
	if err := n.closeStore(); err != nil {
		log.Errorf("Unable to close tx store: %v", err)
	}
}

// Start launches the node's subsystems.
func (n *Node) Start() error {
	var startErr error
	n.started.Do(func() {
		log.Infof("Starting stemd version %v (%v build), graph=%v",
			build.Version(), build.Deployment, n.cfg.Dandelion.Graph)
		log.Debugf("Dandelion config: %v",
			stemutils.SpewLogClosure(n.cfg.Dandelion))

		if err := n.banMgr.Start(); err != nil {
			startErr = err
			return
		}

		if err := n.poolMgr.Start(); err != nil {
			startErr = err
			return
		}

		n.exporter.WhenSome(func(e *monitoring.Exporter) {
			startErr = e.Start()
		})
	})

	return startErr
}

// Stop shuts the node down. Pending embargoes are dropped and every
// connection is asked to close.
func (n *Node) Stop() error {
	var stopErr error
	n.stopped.Do(func() {
		log.Info("Stopping stemd")
		defer log.Info("Shutdown complete")

		n.exporter.WhenSome(func(e *monitoring.Exporter) {
			if err := e.Stop(); err != nil {
				log.Errorf("Unable to stop exporter: %v", err)
			}
		})

		if err := n.poolMgr.Stop(); err != nil {
			stopErr = err
		}
		n.router.Close()
		n.pool.Stop()

		close(n.quit)
		n.wg.Wait()

		if err := n.banMgr.Stop(); err != nil {
			stopErr = errors.Join(stopErr, err)
		}

		if err := n.closeStore(); err != nil {
			stopErr = errors.Join(stopErr, err)
		}
	})

	return stopErr
}

// NewConnection admits a connection with the given peer. The transport runs
// the connection's I/O under the returned guard and hands the handle to
// AddPeer once the handshake completed. Outbound connections wait for a free
// slot, inbound connections are refused while every slot is taken.
func (n *Node) NewConnection(ctx context.Context, id peer.ID,
	dir peer.Direction) (*connection.Guard, connection.Handle, error) {

	if n.banMgr.IsBanned(id) {
		return nil, connection.Handle{}, ErrPeerBanned
	}

	var permit *connection.Permit
	switch dir {
	case peer.Outbound:
		p, err := n.outboundPermits.Acquire(ctx)
		if err != nil {
			return nil, connection.Handle{}, err
		}
		permit = p

	default:
		p := n.inboundPermits.TryAcquire()
		if p.IsNone() {
			return nil, connection.Handle{}, ErrInboundFull
		}
		permit = p.UnsafeFromSome()
	}

	guard, handle := connection.Build(fn.Some(permit))

	return guard, handle, nil
}

// AddPeer adds an established connection to the client pool and keeps it
// alive with pings until it closes.
func (n *Node) AddPeer(info peer.Info, svc peer.Service) error {
	if n.banMgr.IsBanned(info.ID) {
		info.Handle.SendCloseSignal()
		return ErrPeerBanned
	}

	client := peer.NewClient(info, svc)
	if err := n.pool.AddNewClient(client); err != nil {
		return err
	}

	pinger := peer.NewPingManager(&peer.PingManagerConfig{
		SendPing: func(ctx context.Context) error {
			_, err := client.Call(ctx, peer.NewPingRequest())
			return err
		},
		Ticker:          ticker.New(n.cfg.Pool.PingInterval),
		TimeoutDuration: n.cfg.Pool.PingTimeout,
		Clock:           clock.NewDefaultClock(),
		OnPong: func(rtt time.Duration) {
			n.pooledClient(info).WhenSome(
				func(c *clientpool.LoadTrackedClient) {
					c.ObserveRTT(rtt)
				},
			)
		},
		OnPingFailure: func(err error, waited time.Duration,
			lastRTT time.Duration) {

			log.Warnf("Disconnecting %v after failed ping "+
				"(waited %v, last rtt %v): %v", info.ID,
				waited, lastRTT, err)

			info.Handle.SendCloseSignal()
		},
	})
	if err := pinger.Start(); err != nil {
		info.Handle.SendCloseSignal()
		return err
	}

	n.wg.Add(1)
	go n.peerTerminationWatcher(info, pinger)

	log.Infof("New %v peer %v", info.Direction, info.ID)

	return nil
}

// pooledClient returns the pooled client of the connection, unless the pool
// entry already belongs to a newer connection of the same peer.
func (n *Node) pooledClient(
	info peer.Info) fn.Option[*clientpool.LoadTrackedClient] {

	c := n.pool.Client(info.ID)
	if c.IsNone() || c.UnsafeFromSome().Client().Handle() != info.Handle {
		return fn.None[*clientpool.LoadTrackedClient]()
	}

	return c
}

// peerTerminationWatcher stops the keepalive of a connection once it closed
// and drops the per peer relay state.
//
// NOTE: This MUST be run as a goroutine.
func (n *Node) peerTerminationWatcher(info peer.Info,
	pinger *peer.PingManager) {

	defer n.wg.Done()
	defer pinger.Stop()

	select {
	case <-info.Handle.Closed():
	case <-n.quit:
		return
	}

	log.Debugf("Peer %v disconnected", info.ID)

	// The disconnect monitor may not have removed the entry yet, so only
	// a newer connection of the same peer, owning the entry under another
	// handle, keeps the rate limit.
	newer := fn.MapOption(func(c *clientpool.LoadTrackedClient) bool {
		return c.Client().Handle() != info.Handle
	})(n.pool.Client(info.ID))
	if !newer.UnwrapOr(false) {
		n.relay.ForgetPeer(info.ID)
	}
}

// HandleTxs processes a batch of transactions relayed by a peer, either
// stemmed to us or fluffed.
func (n *Node) HandleTxs(ctx context.Context, from peer.ID, blobs [][]byte,
	fluff bool) ([]txrelay.RelayOutcome, error) {

	return n.relay.HandleIncomingTxs(ctx, from, blobs, fluff)
}

// SubmitLocalTx relays a transaction created by this node.
func (n *Node) SubmitLocalTx(ctx context.Context,
	raw []byte) (txrelay.RelayOutcome, error) {

	return n.relay.HandleLocalTx(ctx, raw)
}

// onReject accounts for a transaction a peer relayed that we rejected.
// Malformed transactions add to the peer's misbehavior score, and a peer
// that crossed the ban threshold is disconnected.
func (n *Node) onReject(from peer.ID, id txrelay.TxID,
	flags txrelay.RejectFlags) {

	n.metrics.TxRejected(flags)

	log.DebugS(context.Background(), "Rejected relayed tx",
		"peer", from, stemutils.LogHash("txid", id[:]),
		"flags", flags)

	if !flags.Has(txrelay.RejectMalformed) {
		return
	}

	if !n.banMgr.IncrementBanScore(from, n.cfg.Ban.MalformedScore) {
		return
	}

	n.pool.Client(from).WhenSome(func(c *clientpool.LoadTrackedClient) {
		c.Client().Handle().BanPeer(n.cfg.Ban.Duration)
	})
}

// Metrics returns the relay metrics of the node.
func (n *Node) Metrics() *monitoring.Metrics {
	return n.metrics
}
