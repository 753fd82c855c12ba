package dandelion

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stemnet/stemd/peer"
)

// StemService forwards stem transactions to a single outbound peer. The
// service holds a claim on the peer that is given back with Release.
type StemService[T any] interface {
	// Ready blocks until the peer can accept another transaction.
	Ready(ctx context.Context) error

	// Stem forwards the transaction to the peer.
	Stem(ctx context.Context, tx T) error

	// Release gives up the claim on the peer. It is safe to call more
	// than once.
	Release()
}

// BroadcastService diffuses transactions to the whole network.
type BroadcastService[T any] interface {
	// Fluff broadcasts the transaction.
	Fluff(ctx context.Context, tx T) error
}

// OutboundPeer is an item of an OutboundPeerStream: either a claimed peer or
// the note that no more peers are available right now.
type OutboundPeer[T any] struct {
	// ID is the ID of the peer, unset when exhausted.
	ID peer.ID

	// Service is the claimed stem service, unset when exhausted.
	Service StemService[T]

	// Exhausted is set when no candidate peer is left.
	Exhausted bool
}

// NewOutboundPeer returns a stream item for a claimed peer.
func NewOutboundPeer[T any](id peer.ID, svc StemService[T]) OutboundPeer[T] {
	return OutboundPeer[T]{ID: id, Service: svc}
}

// ExhaustedPeer returns the stream item signalling that no peer is left.
func ExhaustedPeer[T any]() OutboundPeer[T] {
	return OutboundPeer[T]{Exhausted: true}
}

// OutboundPeerStream yields outbound peers for the stem graph. Next returns
// io.EOF once the stream ended for good.
type OutboundPeerStream[T any] interface {
	Next(ctx context.Context) (OutboundPeer[T], error)
}

// StoredTx is a transaction together with its relay state.
type StoredTx[T any] struct {
	Tx    T
	State State
}

// TxStore persists the transactions the pool manager is tracking.
// Implementations must be safe for concurrent use.
type TxStore[T any, K comparable] interface {
	// Store adds the transaction in the given state. Storing a known
	// transaction must not demote it from Fluff to Stem.
	Store(ctx context.Context, id K, tx T, state State) error

	// Get returns the stored transaction, or None if unknown.
	Get(ctx context.Context, id K) (fn.Option[StoredTx[T]], error)

	// Promote moves the transaction to the Fluff state. Promoting an
	// unknown transaction is a no-op.
	Promote(ctx context.Context, id K) error

	// Contains returns the state of the transaction, or None if unknown.
	Contains(ctx context.Context, id K) (fn.Option[State], error)
}

// Recorder receives relay events, e.g. to export them as metrics.
type Recorder interface {
	// EpochRotated is called for every new epoch with its coin.
	EpochRotated(state State)

	// TxRouted is called for every transaction sent out in the given
	// state.
	TxRouted(state State)

	// StemFailed is called for every failed stem forward.
	StemFailed()

	// EmbargoFired is called for every embargo timer that fluffed its
	// transaction.
	EmbargoFired()
}

// noopRecorder discards every event.
type noopRecorder struct{}

func (noopRecorder) EpochRotated(State) {}
func (noopRecorder) TxRouted(State)     {}
func (noopRecorder) StemFailed()        {}
func (noopRecorder) EmbargoFired()      {}
