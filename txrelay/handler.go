package txrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stemnet/stemd/dandelion"
	"github.com/stemnet/stemd/peer"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxTxSize is the default maximum size of a relayed
	// transaction.
	DefaultMaxTxSize = 1 << 20

	// DefaultPeerRate is the default number of transactions per second a
	// single peer may relay to us.
	DefaultPeerRate = 100

	// DefaultPeerBurst is the default burst of the per peer rate limit.
	DefaultPeerBurst = 500
)

// Verifier checks transactions against the mempool policy. A policy violation
// is reported as a RuleError, any other error is a failure of the verifier.
type Verifier interface {
	VerifyTx(ctx context.Context, id TxID, raw []byte) error
}

// Submitter hands verified transactions to Dandelion++. It is implemented by
// dandelion.PoolManager.
type Submitter interface {
	HandleIncomingTx(ctx context.Context,
		tx dandelion.IncomingTx[[]byte, TxID]) error
}

// Config holds the dependencies of a Handler.
type Config struct {
	// Verifier checks the policy of every transaction.
	Verifier Verifier

	// Pool receives the accepted transactions.
	Pool Submitter

	// MaxTxSize is the maximum size of a relayed transaction.
	MaxTxSize int

	// PeerRate and PeerBurst limit the transactions a single peer may
	// relay to us. A zero rate disables the limit.
	PeerRate  rate.Limit
	PeerBurst int

	// OnReject is called for every transaction a peer sent us that was
	// rejected. It is optional.
	OnReject func(from peer.ID, id TxID, flags RejectFlags)
}

// RelayOutcome is the result of relaying a single transaction. Rejected
// carries the policy violations, Err a failure to process the transaction.
type RelayOutcome struct {
	TxID     TxID
	Rejected RejectFlags
	Err      error
}

// Accepted returns true if the transaction was handed to Dandelion++.
func (o RelayOutcome) Accepted() bool {
	return o.Rejected == 0 && o.Err == nil
}

// Handler is the entry point for transactions received from peers or created
// locally. It keeps policy rejections separate from processing failures.
type Handler struct {
	cfg *Config

	mu       sync.Mutex
	limiters map[peer.ID]*rate.Limiter
}

// NewHandler creates a relay handler from the given config.
func NewHandler(cfg *Config) (*Handler, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, errors.New("verifier required")
	case cfg.Pool == nil:
		return nil, errors.New("pool manager required")
	}

	if cfg.MaxTxSize <= 0 {
		cfg.MaxTxSize = DefaultMaxTxSize
	}
	if cfg.PeerRate == 0 {
		cfg.PeerRate = rate.Inf
	}
	if cfg.PeerBurst <= 0 {
		cfg.PeerBurst = DefaultPeerBurst
	}

	return &Handler{
		cfg:      cfg,
		limiters: make(map[peer.ID]*rate.Limiter),
	}, nil
}

// limiter returns the rate limiter of the peer.
func (h *Handler) limiter(id peer.ID) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.limiters[id]
	if !ok {
		l = rate.NewLimiter(h.cfg.PeerRate, h.cfg.PeerBurst)
		h.limiters[id] = l
	}

	return l
}

// ForgetPeer drops the rate limiter of a disconnected peer.
func (h *Handler) ForgetPeer(id peer.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.limiters, id)
}

// TrackedPeers returns the number of peers with a rate limiter.
func (h *Handler) TrackedPeers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.limiters)
}

// HandleIncomingTxs processes a batch of transactions relayed by a peer,
// either stemmed to us or fluffed. An outcome is returned for every
// transaction processed. The error is only set if the batch was aborted,
// because the context is done or the pool manager is exiting.
func (h *Handler) HandleIncomingTxs(ctx context.Context, from peer.ID,
	blobs [][]byte, fluff bool) ([]RelayOutcome, error) {

	state := dandelion.TxStateStem(from)
	if fluff {
		state = dandelion.TxStateFluff()
	}

	limiter := h.limiter(from)

	outcomes := make([]RelayOutcome, 0, len(blobs))
	for _, raw := range blobs {
		id := NewTxID(raw)

		var outcome RelayOutcome
		switch {
		case len(raw) > h.cfg.MaxTxSize:
			outcome = RelayOutcome{TxID: id, Rejected: RejectTooBig}

		case !limiter.Allow():
			outcome = RelayOutcome{
				TxID: id, Rejected: RejectRateLimited,
			}

		default:
			var err error
			outcome, err = h.relay(ctx, id, raw, state)
			if err != nil {
				return outcomes, err
			}
		}

		if outcome.Rejected != 0 {
			log.Debugf("Rejected tx %v from %v: %v", id, from,
				outcome.Rejected)

			if h.cfg.OnReject != nil {
				h.cfg.OnReject(from, id, outcome.Rejected)
			}
		}

		outcomes = append(outcomes, outcome)
	}

	return outcomes, nil
}

// HandleLocalTx verifies a transaction created by this node and hands it to
// Dandelion++.
func (h *Handler) HandleLocalTx(ctx context.Context,
	raw []byte) (RelayOutcome, error) {

	id := NewTxID(raw)
	if len(raw) > h.cfg.MaxTxSize {
		return RelayOutcome{TxID: id, Rejected: RejectTooBig}, nil
	}

	return h.relay(ctx, id, raw, dandelion.TxStateLocal())
}

// relay verifies and submits a single transaction. The error is only set if
// processing must stop.
func (h *Handler) relay(ctx context.Context, id TxID, raw []byte,
	state dandelion.TxState) (RelayOutcome, error) {

	outcome := RelayOutcome{TxID: id}

	err := h.cfg.Verifier.VerifyTx(ctx, id, raw)
	if flags := FlagsFromError(err); flags != 0 {
		outcome.Rejected = flags
		return outcome, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcome, ctxErr
		}

		outcome.Err = fmt.Errorf("unable to verify tx %v: %w", id, err)

		return outcome, nil
	}

	err = h.cfg.Pool.HandleIncomingTx(ctx, dandelion.IncomingTx[[]byte, TxID]{
		Tx:    raw,
		TxID:  id,
		State: state,
	})
	switch {
	case err == nil:
		log.Tracef("Relaying tx %v (%v)", id, state)

	case errors.Is(err, dandelion.ErrPoolManagerExiting),
		ctx.Err() != nil:

		return outcome, err

	default:
		outcome.Err = fmt.Errorf("unable to relay tx %v: %w", id, err)
	}

	return outcome, nil
}
