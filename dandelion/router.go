package dandelion

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stemnet/stemd/peer"
)

// RouterConfig holds the dependencies of a Router.
type RouterConfig[T any] struct {
	// Config is the Dandelion++ configuration.
	Config Config

	// Discover yields the outbound peers the stem graph is built from.
	Discover OutboundPeerStream[T]

	// Broadcast diffuses fluffed transactions.
	Broadcast BroadcastService[T]

	// Clock is the time source of the epoch timer.
	Clock clock.Clock

	// Rand is the source of the coin flips. It defaults to CryptoRand.
	Rand RandSource

	// Recorder receives routing events. It is optional.
	Recorder Recorder
}

// epoch is the routing state that is fixed for the duration of an epoch.
type epoch struct {
	start time.Time

	// state is the coin of the epoch. In a fluff epoch every stem
	// received from a peer is fluffed.
	state State

	// seed keys the hash that spreads stem origins over the stem peers.
	seed maphash.Seed

	// successors caches the successor of every stem origin seen this
	// epoch.
	successors map[peer.ID]peer.ID

	// localSuccessor is the successor of our own transactions.
	localSuccessor fn.Option[peer.ID]
}

// Router makes the per transaction Dandelion++ routing decision. It keeps an
// epoch with a coin flip and a set of stem peers drawn from the outbound peer
// stream, and forwards each transaction either to a stem successor or to the
// broadcast service.
//
// The router is safe for concurrent use. Routing decisions are serialized, the
// forwards themselves run concurrently.
type Router[T any] struct {
	cfg *RouterConfig[T]

	mu sync.Mutex

	epoch *epoch

	// stemPeers are the claimed stem peers of the current epoch, order
	// keeps them in the order they were claimed.
	stemPeers map[peer.ID]StemService[T]
	order     []peer.ID

	closed bool
}

// decision is the outcome of a routing decision. A stem decision remembers
// the epoch it was made in, so that a late failure does not touch the stem
// peers of a later epoch.
type decision[T any] struct {
	fluff bool
	id    peer.ID
	svc   StemService[T]
	epoch *epoch
}

// NewRouter creates a router from the given config. The first epoch starts
// with the first routed transaction.
func NewRouter[T any](cfg *RouterConfig[T]) (*Router[T], error) {
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}

	switch {
	case cfg.Discover == nil:
		return nil, errors.New("outbound peer stream required")
	case cfg.Broadcast == nil:
		return nil, errors.New("broadcast service required")
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

	return &Router[T]{
		cfg:       cfg,
		stemPeers: make(map[peer.ID]StemService[T]),
	}, nil
}

// Route routes the transaction according to its declared state and returns
// the state it was sent out in.
//
// Fluff transactions are always fluffed. Stem transactions are fluffed in a
// fluff epoch and otherwise forwarded to the successor of their origin. Local
// transactions flip their own coin. Whenever no stem peer is available the
// transaction is fluffed, and a stem peer that fails to take a transaction is
// discarded and the next one is tried, up to MaxStemAttempts times.
func (r *Router[T]) Route(ctx context.Context, tx T,
	state TxState) (State, error) {

	// Failed stem peers keep their claim until we are done, so that the
	// retries are not handed the same peer again.
	var failed []StemService[T]
	defer func() {
		for _, svc := range failed {
			svc.Release()
		}
	}()

	for attempt := 1; ; attempt++ {
		d, err := r.decide(ctx, state)
		if err != nil {
			return Stem, err
		}

		if d.fluff {
			return Fluff, r.fluff(ctx, tx)
		}

		err = d.svc.Stem(ctx, tx)
		if err == nil {
			log.Tracef("Stemmed tx (%v) to %v", state, d.id)
			r.cfg.Recorder.TxRouted(Stem)

			return Stem, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return Stem, ctxErr
		}

		log.Warnf("Unable to stem tx to %v, discarding stem peer: %v",
			d.id, err)

		r.cfg.Recorder.StemFailed()

		// A claim that was already given up by a rotation or a
		// failed readiness check is not ours to release.
		if r.forget(d) {
			failed = append(failed, d.svc)
		}

		if attempt >= r.cfg.Config.MaxStemAttempts {
			log.Debugf("Giving up stemming tx after %d attempts, "+
				"fluffing", attempt)

			return Fluff, r.fluff(ctx, tx)
		}
	}
}

// fluff hands the transaction to the broadcast service.
func (r *Router[T]) fluff(ctx context.Context, tx T) error {
	if err := r.cfg.Broadcast.Fluff(ctx, tx); err != nil {
		return fmt.Errorf("unable to fluff tx: %w", err)
	}

	r.cfg.Recorder.TxRouted(Fluff)

	return nil
}

// decide makes the routing decision for a transaction in the given state.
func (r *Router[T]) decide(ctx context.Context,
	state TxState) (decision[T], error) {

	fluff := decision[T]{fluff: true}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return decision[T]{}, ErrRouterClosed
	}

	r.maybeRotateLocked()

	switch {
	case state.IsFluff():
		return fluff, nil

	case state.IsLocal():
		if r.cfg.Rand.Float64() < r.cfg.Config.FluffProbability {
			return fluff, nil
		}

	// Stems received during a fluff epoch are fluffed right away.
	case r.epoch.state == Fluff:
		return fluff, nil
	}

	if err := r.readyLocked(ctx); err != nil {
		return decision[T]{}, err
	}

	var (
		id peer.ID
		ok bool
	)
	if from, isStem := state.StemFrom(); isStem {
		id, ok = r.successorLocked(from)
	} else {
		id, ok = r.localSuccessorLocked()
	}

	// Without any stem peer we are degraded and fluff everything.
	if !ok {
		log.Debugf("No stem peer available for tx (%v), fluffing",
			state)

		return fluff, nil
	}

	return decision[T]{id: id, svc: r.stemPeers[id], epoch: r.epoch}, nil
}

// maybeRotateLocked starts a new epoch if the current one expired: the coin is
// flipped again, the stem peers are released and the successor assignment is
// forgotten.
//
// NOTE: mu must be held.
func (r *Router[T]) maybeRotateLocked() {
	now := r.cfg.Clock.Now()
	if r.epoch != nil && now.Sub(r.epoch.start) < r.cfg.Config.EpochDuration {
		return
	}

	r.releaseAllLocked()

	state := Stem
	if r.cfg.Rand.Float64() < r.cfg.Config.FluffProbability {
		state = Fluff
	}

	r.epoch = &epoch{
		start:      now,
		state:      state,
		seed:       maphash.MakeSeed(),
		successors: make(map[peer.ID]peer.ID),
	}

	log.Infof("Started new %v epoch", state)
	r.cfg.Recorder.EpochRotated(state)
}

// readyLocked makes sure the stem peer set is healthy: peers that are no
// longer ready are discarded, and the set is topped up from the outbound peer
// stream until the graph is complete or the stream is exhausted.
//
// NOTE: mu must be held.
func (r *Router[T]) readyLocked(ctx context.Context) error {
	for _, id := range slices.Clone(r.order) {
		err := r.stemPeers[id].Ready(ctx)
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		log.Debugf("Stem peer %v not ready, discarding: %v", id, err)
		r.discardLocked(id)
	}

	// rejected holds the peers that failed their readiness check during
	// this call. They keep their claim until we are done so the stream
	// offers other peers.
	rejected := make(map[peer.ID]StemService[T])
	defer func() {
		for _, svc := range rejected {
			svc.Release()
		}
	}()

	for len(r.order) < r.cfg.Config.Graph.NumStemPeers() {
		next, err := r.cfg.Discover.Next(ctx)
		switch {
		case err == nil:

		case errors.Is(err, io.EOF):
			return ErrOutboundPeerDiscoverExited

		case ctx.Err() != nil:
			return ctx.Err()

		default:
			return &OutboundPeerStreamError{Err: err}
		}

		if next.Exhausted {
			log.Tracef("Outbound peers exhausted with %d stem peers",
				len(r.order))

			return nil
		}

		_, known := r.stemPeers[next.ID]
		_, failed := rejected[next.ID]
		if known || failed {
			next.Service.Release()
			return nil
		}

		if err := next.Service.Ready(ctx); err != nil {
			rejected[next.ID] = next.Service

			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			log.Debugf("Outbound peer %v not ready: %v", next.ID,
				err)

			continue
		}

		log.Debugf("Selected %v as stem peer", next.ID)

		r.stemPeers[next.ID] = next.Service
		r.order = append(r.order, next.ID)
	}

	return nil
}

// successorLocked returns the stem successor of the given origin. The first
// lookup of an origin in an epoch picks one of the stem peers by a keyed hash
// of the origin, later lookups return the same peer for as long as it stays in
// the set.
//
// NOTE: mu must be held.
func (r *Router[T]) successorLocked(from peer.ID) (peer.ID, bool) {
	if id, ok := r.epoch.successors[from]; ok {
		if _, live := r.stemPeers[id]; live {
			return id, true
		}
		delete(r.epoch.successors, from)
	}

	if len(r.order) == 0 {
		return peer.ID{}, false
	}

	h := maphash.String(r.epoch.seed, from.String())
	id := r.order[h%uint64(len(r.order))]
	r.epoch.successors[from] = id

	return id, true
}

// localSuccessorLocked returns the successor of our own transactions, drawn at
// random from the stem peers once per epoch.
//
// NOTE: mu must be held.
func (r *Router[T]) localSuccessorLocked() (peer.ID, bool) {
	if r.epoch.localSuccessor.IsSome() {
		id := r.epoch.localSuccessor.UnsafeFromSome()
		if _, live := r.stemPeers[id]; live {
			return id, true
		}
	}

	if len(r.order) == 0 {
		r.epoch.localSuccessor = fn.None[peer.ID]()
		return peer.ID{}, false
	}

	id := r.order[r.cfg.Rand.IntN(len(r.order))]
	r.epoch.localSuccessor = fn.Some(id)

	return id, true
}

// forget removes the stem peer of a failed decision from the set without
// releasing it. It returns false if the decision is stale: its epoch ended or
// the peer was since claimed again under a new service.
func (r *Router[T]) forget(d decision[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.epoch != d.epoch {
		return false
	}
	if svc, ok := r.stemPeers[d.id]; !ok || svc != d.svc {
		return false
	}

	r.forgetLocked(d.id)

	return true
}

// forgetLocked removes the stem peer from the set and returns its service.
// Origins assigned to it are reassigned on their next lookup.
//
// NOTE: mu must be held.
func (r *Router[T]) forgetLocked(id peer.ID) (StemService[T], bool) {
	svc, ok := r.stemPeers[id]
	if !ok {
		return nil, false
	}

	delete(r.stemPeers, id)
	r.order = slices.DeleteFunc(r.order, func(other peer.ID) bool {
		return other == id
	})

	return svc, true
}

// discardLocked removes the stem peer from the set and releases it.
//
// NOTE: mu must be held.
func (r *Router[T]) discardLocked(id peer.ID) {
	if svc, ok := r.forgetLocked(id); ok {
		svc.Release()
	}
}

// releaseAllLocked releases every stem peer.
//
// NOTE: mu must be held.
func (r *Router[T]) releaseAllLocked() {
	for _, svc := range r.stemPeers {
		svc.Release()
	}

	clear(r.stemPeers)
	r.order = nil
}

// EpochState returns the coin of the current epoch, None before the first
// epoch started.
func (r *Router[T]) EpochState() fn.Option[State] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.epoch == nil {
		return fn.None[State]()
	}

	return fn.Some(r.epoch.state)
}

// StemPeers returns the current stem peers in the order they were claimed.
func (r *Router[T]) StemPeers() []peer.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.order)
}

// Close releases all stem peers. Routing after Close fails with
// ErrRouterClosed.
func (r *Router[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.releaseAllLocked()
}
