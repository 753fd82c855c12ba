package clientpool

import (
	"context"
	"sync"
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stemnet/stemd/connection"
	"github.com/stemnet/stemd/peer"
)

// mockService is a peer.Service that records its requests.
type mockService struct {
	mu       sync.Mutex
	requests []peer.Request

	readyErr error
	callErr  error
}

// Ready returns the configured readiness error.
func (m *mockService) Ready(ctx context.Context) error {
	return m.readyErr
}

// Call records the request and returns the configured error.
func (m *mockService) Call(ctx context.Context,
	req peer.Request) (peer.Response, error) {

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.callErr != nil {
		return peer.Response{}, m.callErr
	}

	return peer.Response{Command: req.Command}, nil
}

// recorded returns a copy of the recorded requests.
func (m *mockService) recorded() []peer.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]peer.Request(nil), m.requests...)
}

// testConn is a client together with the guard owning its connection.
type testConn struct {
	client *peer.Client
	guard  *connection.Guard
	svc    *mockService
}

// newTestConn creates a client to the given address. The connection guard is
// closed when the test ends.
func newTestConn(t *testing.T, addr string, dir peer.Direction,
	svc *mockService) *testConn {

	t.Helper()

	if svc == nil {
		svc = &mockService{}
	}

	guard, handle := connection.Build(fn.None[*connection.Permit]())
	t.Cleanup(guard.Close)

	info := peer.Info{
		ID:        peer.NewID(peer.ZonePublic, addr),
		Direction: dir,
		Handle:    handle,
	}

	return &testConn{
		client: peer.NewClient(info, svc),
		guard:  guard,
		svc:    svc,
	}
}

// newTestPool creates a pool that is stopped when the test ends.
func newTestPool(t *testing.T, cfg Config) *ClientPool {
	t.Helper()

	pool := New(cfg)
	t.Cleanup(pool.Stop)

	return pool
}
