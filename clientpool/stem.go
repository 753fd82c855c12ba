package clientpool

import (
	"context"
	"errors"
	"io"

	"github.com/stemnet/stemd/dandelion"
	"github.com/stemnet/stemd/peer"
)

// ErrClientGone is returned by a stem service whose peer left the pool.
var ErrClientGone = errors.New("stem peer left the client pool")

// StemStream yields the outbound peers of a pool as Dandelion++ stem peers.
// Every yielded peer is claimed as a stem peer until the router releases it.
type StemStream struct {
	pool *ClientPool
}

// A compile time check to ensure StemStream satisfies the
// dandelion.OutboundPeerStream interface.
var _ dandelion.OutboundPeerStream[[]byte] = (*StemStream)(nil)

// NewStemStream creates a stem peer stream over the given pool.
func NewStemStream(pool *ClientPool) *StemStream {
	return &StemStream{pool: pool}
}

// Next claims the next outbound peer. An exhausted item is returned when every
// outbound peer is claimed, and io.EOF once the pool stopped.
func (s *StemStream) Next(
	ctx context.Context) (dandelion.OutboundPeer[[]byte], error) {

	if err := ctx.Err(); err != nil {
		return dandelion.OutboundPeer[[]byte]{}, err
	}
	if s.pool.stopped.Load() {
		return dandelion.OutboundPeer[[]byte]{}, io.EOF
	}

	guard := s.pool.OutboundClient()
	if guard.IsNone() {
		return dandelion.ExhaustedPeer[[]byte](), nil
	}

	g := guard.UnsafeFromSome()

	return dandelion.NewOutboundPeer[[]byte](g.ID(), &stemService{g}), nil
}

// stemService forwards stem transactions over a claimed pool client.
type stemService struct {
	guard *ClientDropGuard
}

// Ready blocks until the peer can take another transaction.
func (s *stemService) Ready(ctx context.Context) error {
	client := s.guard.Client()
	if client == nil {
		return ErrClientGone
	}

	return client.Ready(ctx)
}

// Stem forwards the transaction to the peer without the fluff flag.
func (s *stemService) Stem(ctx context.Context, tx []byte) error {
	client := s.guard.Client()
	if client == nil {
		return ErrClientGone
	}

	_, err := client.Call(ctx, peer.NewTxsRequest([][]byte{tx}, false))

	return err
}

// Release gives up the stem peer claim.
func (s *stemService) Release() {
	s.guard.Release()
}
