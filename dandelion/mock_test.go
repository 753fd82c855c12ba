package dandelion

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stemnet/stemd/peer"
)

// mockStemService is a stem peer recording the transactions stemmed to it.
type mockStemService struct {
	id peer.ID

	readyErr error
	stemErr  error

	// stemHook, if set, runs before every stem and its error fails it.
	stemHook func(ctx context.Context, tx string) error

	claimed  atomic.Bool
	releases atomic.Int32

	mu  sync.Mutex
	txs []string
}

func newMockStemService(addr string) *mockStemService {
	return &mockStemService{id: peer.NewID(peer.ZonePublic, addr)}
}

func (m *mockStemService) Ready(ctx context.Context) error {
	return m.readyErr
}

func (m *mockStemService) Stem(ctx context.Context, tx string) error {
	if m.stemHook != nil {
		if err := m.stemHook(ctx, tx); err != nil {
			return err
		}
	}
	if m.stemErr != nil {
		return m.stemErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs = append(m.txs, tx)

	return nil
}

func (m *mockStemService) Release() {
	m.releases.Add(1)
	m.claimed.Store(false)
}

func (m *mockStemService) stemmed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.txs...)
}

// mockStream hands out its unclaimed peers, like the client pool does.
type mockStream struct {
	peers []*mockStemService

	mu    sync.Mutex
	err   error
	calls int
}

func newMockStream(n int) *mockStream {
	s := &mockStream{}
	for i := 0; i < n; i++ {
		s.peers = append(s.peers, newMockStemService(
			fmt.Sprintf("peer%d", i),
		))
	}

	return s
}

func (s *mockStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = err
}

func (s *mockStream) Next(ctx context.Context) (OutboundPeer[string], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.err != nil {
		return OutboundPeer[string]{}, s.err
	}

	for _, p := range s.peers {
		if p.claimed.CompareAndSwap(false, true) {
			return NewOutboundPeer[string](p.id, p), nil
		}
	}

	return ExhaustedPeer[string](), nil
}

// claimedPeers returns the number of currently claimed peers.
func (s *mockStream) claimedPeers() int {
	var n int
	for _, p := range s.peers {
		if p.claimed.Load() {
			n++
		}
	}

	return n
}

// stemmedTo returns the peer each transaction was stemmed to.
func (s *mockStream) stemmedTo() map[string][]peer.ID {
	res := make(map[string][]peer.ID)
	for _, p := range s.peers {
		for _, tx := range p.stemmed() {
			res[tx] = append(res[tx], p.id)
		}
	}

	return res
}

// mockBroadcast records fluffed transactions.
type mockBroadcast struct {
	mu  sync.Mutex
	txs []string
	err error
}

func (b *mockBroadcast) Fluff(ctx context.Context, tx string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}
	b.txs = append(b.txs, tx)

	return nil
}

func (b *mockBroadcast) fluffed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.txs...)
}

// mockStore is an in-memory TxStore.
type mockStore struct {
	mu  sync.Mutex
	txs map[string]StoredTx[string]
}

func newMockStore() *mockStore {
	return &mockStore{txs: make(map[string]StoredTx[string])}
}

func (s *mockStore) Store(ctx context.Context, id string, tx string,
	state State) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.txs[id]; ok && cur.State == Fluff {
		return nil
	}
	s.txs[id] = StoredTx[string]{Tx: tx, State: state}

	return nil
}

func (s *mockStore) Get(ctx context.Context,
	id string) (fn.Option[StoredTx[string]], error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.txs[id]
	if !ok {
		return fn.None[StoredTx[string]](), nil
	}

	return fn.Some(stored), nil
}

func (s *mockStore) Promote(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.txs[id]; ok {
		stored.State = Fluff
		s.txs[id] = stored
	}

	return nil
}

func (s *mockStore) Contains(ctx context.Context,
	id string) (fn.Option[State], error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.txs[id]
	if !ok {
		return fn.None[State](), nil
	}

	return fn.Some(stored.State), nil
}

func (s *mockStore) state(id string) fn.Option[State] {
	state, _ := s.Contains(context.Background(), id)
	return state
}

// seededRand is a deterministic RandSource.
type seededRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newSeededRand(seed uint64) *seededRand {
	return &seededRand{r: rand.New(rand.NewPCG(seed, seed^0x5eed))}
}

func (s *seededRand) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.r.Float64()
}

func (s *seededRand) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.r.IntN(n)
}

// constRand always returns the same float.
type constRand float64

func (c constRand) Float64() float64 { return float64(c) }
func (c constRand) IntN(int) int     { return 0 }

// countingRecorder counts relay events.
type countingRecorder struct {
	epochs   atomic.Int32
	stems    atomic.Int32
	fluffs   atomic.Int32
	failures atomic.Int32
	embargos atomic.Int32
}

func (r *countingRecorder) EpochRotated(State) { r.epochs.Add(1) }

func (r *countingRecorder) TxRouted(s State) {
	if s == Stem {
		r.stems.Add(1)
	} else {
		r.fluffs.Add(1)
	}
}

func (r *countingRecorder) StemFailed()   { r.failures.Add(1) }
func (r *countingRecorder) EmbargoFired() { r.embargos.Add(1) }
