package txstore

import (
	"context"
	"errors"
	"sync"

	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stemnet/stemd/dandelion"
)

// DefaultMaxTxs is the default capacity of a MemStore.
const DefaultMaxTxs = 50_000

// cachedTx is an entry of the in-memory store.
type cachedTx[T any] struct {
	tx    T
	state dandelion.State
}

// Size returns the "size" of an entry.
func (c *cachedTx[T]) Size() (uint64, error) {
	return 1, nil
}

// MemStore is an in-memory transaction store. It is bounded: once full, the
// least recently used transaction is evicted. An evicted stem transaction is
// simply no longer fluffed by its embargo timer.
type MemStore[T any, K comparable] struct {
	// mu serializes the read-modify-write of Store and Promote, the
	// cache itself is safe for concurrent use.
	mu sync.Mutex

	txs *lru.Cache[K, *cachedTx[T]]
}

// A compile time check to ensure MemStore satisfies the dandelion.TxStore
// interface.
var _ dandelion.TxStore[[]byte, [32]byte] = (*MemStore[[]byte, [32]byte])(nil)

// NewMemStore creates an in-memory store holding at most maxTxs transactions.
func NewMemStore[T any, K comparable](maxTxs uint64) *MemStore[T, K] {
	if maxTxs == 0 {
		maxTxs = DefaultMaxTxs
	}

	return &MemStore[T, K]{
		txs: lru.NewCache[K, *cachedTx[T]](maxTxs),
	}
}

// Store adds the transaction in the given state. A fluffed transaction is
// never stored back as stem.
func (s *MemStore[T, K]) Store(_ context.Context, id K, tx T,
	state dandelion.State) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.txs.Get(id)
	if err == nil && cur.state == dandelion.Fluff {
		return nil
	}

	_, err = s.txs.Put(id, &cachedTx[T]{tx: tx, state: state})

	return err
}

// Get returns the stored transaction.
func (s *MemStore[T, K]) Get(_ context.Context,
	id K) (fn.Option[dandelion.StoredTx[T]], error) {

	cur, err := s.txs.Get(id)
	switch {
	case errors.Is(err, cache.ErrElementNotFound):
		return fn.None[dandelion.StoredTx[T]](), nil

	case err != nil:
		return fn.None[dandelion.StoredTx[T]](), err
	}

	return fn.Some(dandelion.StoredTx[T]{
		Tx:    cur.tx,
		State: cur.state,
	}), nil
}

// Promote moves the transaction to the Fluff state.
func (s *MemStore[T, K]) Promote(_ context.Context, id K) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.txs.Get(id)
	switch {
	case errors.Is(err, cache.ErrElementNotFound):
		return nil

	case err != nil:
		return err

	case cur.state == dandelion.Fluff:
		return nil
	}

	_, err = s.txs.Put(id, &cachedTx[T]{tx: cur.tx, state: dandelion.Fluff})

	return err
}

// Contains returns the state of the transaction.
func (s *MemStore[T, K]) Contains(_ context.Context,
	id K) (fn.Option[dandelion.State], error) {

	cur, err := s.txs.Get(id)
	switch {
	case errors.Is(err, cache.ErrElementNotFound):
		return fn.None[dandelion.State](), nil

	case err != nil:
		return fn.None[dandelion.State](), err
	}

	return fn.Some(cur.state), nil
}

// Len returns the number of stored transactions.
func (s *MemStore[T, K]) Len() int {
	return s.txs.Len()
}
