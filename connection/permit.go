package connection

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/semaphore"
)

// PermitSet bounds the number of concurrent connections of one kind, for
// example outbound connections. Every live connection holds one Permit from
// the set until its Guard is closed.
type PermitSet struct {
	sem *semaphore.Weighted

	size  int64
	inUse atomic.Int64
}

// NewPermitSet creates a permit set that admits at most size concurrent
// holders.
func NewPermitSet(size int64) *PermitSet {
	return &PermitSet{
		sem:  semaphore.NewWeighted(size),
		size: size,
	}
}

// Acquire blocks until a permit is available or the context is done.
func (p *PermitSet) Acquire(ctx context.Context) (*Permit, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("unable to acquire connection "+
			"permit: %w", err)
	}

	return p.newPermit(), nil
}

// TryAcquire returns a permit if one is available right now.
func (p *PermitSet) TryAcquire() fn.Option[*Permit] {
	if !p.sem.TryAcquire(1) {
		return fn.None[*Permit]()
	}

	return fn.Some(p.newPermit())
}

// Size returns the capacity of the set.
func (p *PermitSet) Size() int64 {
	return p.size
}

// InUse returns the number of permits currently held.
func (p *PermitSet) InUse() int64 {
	return p.inUse.Load()
}

// newPermit wraps a freshly acquired slot of the semaphore.
func (p *PermitSet) newPermit() *Permit {
	p.inUse.Add(1)

	return &Permit{set: p}
}

// Permit is one acquired slot of a PermitSet.
type Permit struct {
	set      *PermitSet
	released atomic.Bool
}

// Release returns the slot to its set. Only the first call has an effect.
func (p *Permit) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}

	p.set.inUse.Add(-1)
	p.set.sem.Release(1)
}
