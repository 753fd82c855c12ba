package dandelion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stemnet/stemd/multimutex"
)

const (
	// DefaultWorkers is the default number of goroutines processing
	// incoming transactions.
	DefaultWorkers = 4

	// DefaultQueueSize is the default capacity of the incoming
	// transaction queue.
	DefaultQueueSize = 100
)

// TxRouter routes a single transaction. It is implemented by Router.
type TxRouter[T any] interface {
	Route(ctx context.Context, tx T, state TxState) (State, error)
}

// IncomingTx is a transaction handed to the pool manager together with its
// declared origin.
type IncomingTx[T any, K comparable] struct {
	Tx    T
	TxID  K
	State TxState
}

// PoolManagerConfig holds the dependencies of a PoolManager.
type PoolManagerConfig[T any, K comparable] struct {
	// Config is the Dandelion++ configuration, it determines the embargo
	// timeouts.
	Config Config

	// Router routes the transactions.
	Router TxRouter[T]

	// Store tracks every transaction and its relay state.
	Store TxStore[T, K]

	// Workers is the number of goroutines processing incoming
	// transactions.
	Workers int

	// QueueSize is the capacity of the incoming queue. Submitting blocks
	// while it is full.
	QueueSize int

	// Clock is the time source of the embargo timers.
	Clock clock.Clock

	// Rand is the source of the embargo jitter.
	Rand RandSource

	// Recorder receives embargo events. It is optional.
	Recorder Recorder
}

// request is a queued incoming transaction.
type request[T any, K comparable] struct {
	ctx     context.Context
	tx      IncomingTx[T, K]
	errChan chan error
}

// embargo is the running embargo timer of a stem transaction.
type embargo struct {
	deadline time.Time
	cancel   context.CancelFunc
}

// PoolManager owns the relay state of every transaction. It stores incoming
// transactions, routes them and guards each stem transaction with an embargo
// timer: when the timer fires before the transaction was seen fluffed, the
// transaction is fluffed by us.
//
// All state changes of a single transaction are serialized by a per
// transaction lock, so a transaction is never demoted from fluff to stem and
// never fluffed twice by this node.
type PoolManager[T any, K comparable] struct {
	started sync.Once
	stopped sync.Once

	cfg *PoolManagerConfig[T, K]

	incoming chan *request[T, K]

	txLocks *multimutex.Mutex[K]

	embargoMu sync.Mutex
	embargoes map[K]*embargo

	// gm runs the workers and the embargo timers.
	gm *fn.GoroutineManager
}

// NewPoolManager creates a pool manager from the given config.
func NewPoolManager[T any, K comparable](
	cfg *PoolManagerConfig[T, K]) (*PoolManager[T, K], error) {

	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}

	switch {
	case cfg.Router == nil:
		return nil, errors.New("router required")
	case cfg.Store == nil:
		return nil, errors.New("tx store required")
	}

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Rand == nil {
		cfg.Rand = CryptoRand()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}

	return &PoolManager[T, K]{
		cfg:       cfg,
		incoming:  make(chan *request[T, K], cfg.QueueSize),
		txLocks:   multimutex.NewMutex[K](),
		embargoes: make(map[K]*embargo),
		gm:        fn.NewGoroutineManager(),
	}, nil
}

// Start launches the workers.
func (m *PoolManager[T, K]) Start() error {
	m.started.Do(func() {
		log.Infof("Dandelion pool manager starting with %d workers",
			m.cfg.Workers)

		for i := 0; i < m.cfg.Workers; i++ {
			m.gm.Go(context.Background(), m.worker)
		}
	})

	return nil
}

// Stop stops the workers and cancels every pending embargo timer. Queued
// transactions that were not processed yet fail with ErrPoolManagerExiting.
func (m *PoolManager[T, K]) Stop() error {
	m.stopped.Do(func() {
		log.Info("Dandelion pool manager shutting down...")
		defer log.Debug("Dandelion pool manager shutdown complete")

		m.gm.Stop()

		m.embargoMu.Lock()
		for _, timer := range m.embargoes {
			timer.cancel()
		}
		clear(m.embargoes)
		m.embargoMu.Unlock()

	drain:
		for {
			select {
			case req := <-m.incoming:
				req.errChan <- ErrPoolManagerExiting
			default:
				break drain
			}
		}
	})

	return nil
}

// HandleIncomingTx queues the transaction and waits until it was processed.
// It blocks while the queue is full.
func (m *PoolManager[T, K]) HandleIncomingTx(ctx context.Context,
	tx IncomingTx[T, K]) error {

	req := &request[T, K]{
		ctx:     ctx,
		tx:      tx,
		errChan: make(chan error, 1),
	}

	select {
	case m.incoming <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.gm.Done():
		return ErrPoolManagerExiting
	}

	select {
	case err := <-req.errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.gm.Done():
		return ErrPoolManagerExiting
	}
}

// worker processes incoming transactions until ctx is cancelled by Stop.
//
// NOTE: This MUST be run as a goroutine.
func (m *PoolManager[T, K]) worker(ctx context.Context) {
	for {
		select {
		case req := <-m.incoming:
			// The request is aborted by either the submitter or a
			// shutdown.
			reqCtx, cancel := context.WithCancel(req.ctx)
			stop := context.AfterFunc(ctx, cancel)

			req.errChan <- m.handleTx(reqCtx, req.tx)

			stop()
			cancel()

		case <-ctx.Done():
			return
		}
	}
}

// handleTx applies the state transition for an incoming transaction:
//
//   - unknown and fluffed: stored as fluff and fluffed.
//   - unknown and stem or local: stored as stem under a fresh embargo and
//     routed. If the router fluffed it, it is promoted right away.
//   - known as stem and now fluffed: promoted and fluffed, the embargo is
//     cancelled.
//   - anything else is a duplicate and ignored.
func (m *PoolManager[T, K]) handleTx(ctx context.Context,
	in IncomingTx[T, K]) error {

	m.txLocks.Lock(in.TxID)
	defer m.txLocks.Unlock(in.TxID)

	current, err := m.cfg.Store.Contains(ctx, in.TxID)
	if err != nil {
		return err
	}

	if current.IsSome() {
		if current.UnsafeFromSome() == Fluff || !in.State.IsFluff() {
			log.Tracef("Ignoring duplicate tx %v (%v)", in.TxID,
				in.State)

			return nil
		}

		log.Debugf("Stem tx %v seen fluffed, promoting", in.TxID)

		m.cancelEmbargo(in.TxID)
		if err := m.cfg.Store.Promote(ctx, in.TxID); err != nil {
			return err
		}

		_, err := m.cfg.Router.Route(ctx, in.Tx, TxStateFluff())
		return err
	}

	if in.State.IsFluff() {
		err := m.cfg.Store.Store(ctx, in.TxID, in.Tx, Fluff)
		if err != nil {
			return err
		}

		_, err = m.cfg.Router.Route(ctx, in.Tx, in.State)
		return err
	}

	if err := m.cfg.Store.Store(ctx, in.TxID, in.Tx, Stem); err != nil {
		return err
	}
	m.startEmbargo(in.TxID)

	routed, err := m.cfg.Router.Route(ctx, in.Tx, in.State)
	if err != nil {
		// The embargo still fluffs the transaction eventually.
		return err
	}

	if routed == Fluff {
		m.cancelEmbargo(in.TxID)
		return m.cfg.Store.Promote(ctx, in.TxID)
	}

	return nil
}

// startEmbargo arms the embargo timer of a stem transaction.
//
// NOTE: The lock of the transaction must be held.
func (m *PoolManager[T, K]) startEmbargo(id K) {
	timeout := m.cfg.Config.EmbargoTimeout(m.cfg.Rand)

	// The timer channel is created here rather than in the goroutine so
	// that the deadline is relative to the time the tx was stored.
	fire := m.cfg.Clock.TickAfter(timeout)

	ctx, cancel := context.WithCancel(context.Background())
	timer := &embargo{
		deadline: m.cfg.Clock.Now().Add(timeout),
		cancel:   cancel,
	}

	m.embargoMu.Lock()
	if old, ok := m.embargoes[id]; ok {
		old.cancel()
	}
	m.embargoes[id] = timer
	m.embargoMu.Unlock()

	log.Tracef("Embargo of tx %v set to %v", id, timeout)

	started := m.gm.Go(ctx, func(ctx context.Context) {
		select {
		case <-fire:
			m.embargoExpired(ctx, id, timer)

		case <-ctx.Done():
		}
	})
	if !started {
		m.removeEmbargo(id, timer)
		cancel()
	}
}

// cancelEmbargo stops the embargo timer of the transaction, if any.
//
// NOTE: The lock of the transaction must be held.
func (m *PoolManager[T, K]) cancelEmbargo(id K) {
	m.embargoMu.Lock()
	defer m.embargoMu.Unlock()

	if timer, ok := m.embargoes[id]; ok {
		timer.cancel()
		delete(m.embargoes, id)
	}
}

// removeEmbargo forgets the given timer if it is still the timer of the
// transaction, without cancelling it. It returns false if the timer was
// cancelled or replaced.
func (m *PoolManager[T, K]) removeEmbargo(id K, timer *embargo) bool {
	m.embargoMu.Lock()
	defer m.embargoMu.Unlock()

	if m.embargoes[id] != timer {
		return false
	}

	delete(m.embargoes, id)

	return true
}

// embargoExpired fluffs a stem transaction whose embargo timer fired.
func (m *PoolManager[T, K]) embargoExpired(ctx context.Context, id K,
	timer *embargo) {

	// ctx is derived from the timer's context, release it once the
	// expiry is handled.
	defer timer.cancel()

	m.txLocks.Lock(id)
	defer m.txLocks.Unlock(id)

	// The embargo may have been cancelled while we were waiting for the
	// lock.
	if !m.removeEmbargo(id, timer) {
		return
	}

	stored, err := m.cfg.Store.Get(ctx, id)
	if err != nil {
		log.Errorf("Unable to fetch embargoed tx %v: %v", id, err)
		return
	}
	if stored.IsNone() || stored.UnsafeFromSome().State == Fluff {
		return
	}

	log.Debugf("Embargo of tx %v expired, fluffing", id)

	if err := m.cfg.Store.Promote(ctx, id); err != nil {
		log.Errorf("Unable to promote embargoed tx %v: %v", id, err)
		return
	}
	m.cfg.Recorder.EmbargoFired()

	tx := stored.UnsafeFromSome().Tx
	if _, err := m.cfg.Router.Route(ctx, tx, TxStateFluff()); err != nil {
		log.Errorf("Unable to fluff embargoed tx %v: %v", id, err)
	}
}

// PendingEmbargoes returns the number of running embargo timers.
func (m *PoolManager[T, K]) PendingEmbargoes() int {
	m.embargoMu.Lock()
	defer m.embargoMu.Unlock()

	return len(m.embargoes)
}

// EmbargoDeadline returns the deadline of the transaction's embargo, None if
// it has no running embargo.
func (m *PoolManager[T, K]) EmbargoDeadline(id K) fn.Option[time.Time] {
	m.embargoMu.Lock()
	defer m.embargoMu.Unlock()

	timer, ok := m.embargoes[id]
	if !ok {
		return fn.None[time.Time]()
	}

	return fn.Some(timer.deadline)
}
