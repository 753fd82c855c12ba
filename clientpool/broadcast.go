package clientpool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/stemnet/stemd/dandelion"
	"github.com/stemnet/stemd/peer"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBroadcastTimeout bounds the fluff request to a single peer.
	DefaultBroadcastTimeout = 30 * time.Second

	// DefaultBroadcastParallelism bounds the number of concurrent fluff
	// requests of a single broadcast.
	DefaultBroadcastParallelism = 16
)

var (
	// ErrNoPeers is returned when fluffing with an empty pool.
	ErrNoPeers = errors.New("no peers to broadcast to")

	// ErrBroadcastFailed is returned when no peer accepted a fluffed
	// transaction.
	ErrBroadcastFailed = errors.New("no peer accepted the broadcast")
)

// BroadcasterConfig holds the dependencies of a Broadcaster.
type BroadcasterConfig struct {
	// Pool is the pool whose peers receive the broadcast.
	Pool *ClientPool

	// Timeout bounds the request to a single peer.
	Timeout time.Duration

	// Parallelism bounds the number of concurrent requests.
	Parallelism int

	// OnPeerFailure is called for every peer that failed to take the
	// transaction. It is optional.
	OnPeerFailure func(id peer.ID, err error)
}

// Broadcaster fluffs transactions to every usable peer of a pool.
type Broadcaster struct {
	cfg BroadcasterConfig
}

// A compile time check to ensure Broadcaster satisfies the
// dandelion.BroadcastService interface.
var _ dandelion.BroadcastService[[]byte] = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster from the given config.
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBroadcastTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultBroadcastParallelism
	}

	return &Broadcaster{cfg: cfg}
}

// Fluff sends the transaction with the fluff flag to every usable peer. The
// broadcast succeeds if at least one peer accepted it.
func (b *Broadcaster) Fluff(ctx context.Context, tx []byte) error {
	var clients []*LoadTrackedClient
	b.cfg.Pool.Range(func(_ peer.ID, s *StoredClient) bool {
		if s.client.IsUsable() {
			clients = append(clients, s.client)
		}

		return true
	})

	if len(clients) == 0 {
		return ErrNoPeers
	}

	req := peer.NewTxsRequest([][]byte{tx}, true)

	var (
		accepted atomic.Int32
		g        errgroup.Group
	)
	g.SetLimit(b.cfg.Parallelism)

	for _, client := range clients {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
			defer cancel()

			if _, err := client.Call(ctx, req); err != nil {
				log.Debugf("Unable to fluff tx to %v: %v",
					client.ID(), err)

				if b.cfg.OnPeerFailure != nil {
					b.cfg.OnPeerFailure(client.ID(), err)
				}

				return nil
			}

			accepted.Add(1)

			return nil
		})
	}

	// The goroutines never fail, failures are counted instead.
	_ = g.Wait()

	if accepted.Load() == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		return ErrBroadcastFailed
	}

	log.Tracef("Fluffed tx to %d of %d peers", accepted.Load(),
		len(clients))

	return nil
}
