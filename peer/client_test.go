package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stemnet/stemd/connection"
	"github.com/stretchr/testify/require"
)

// mockService is a Service whose calls block until released or cancelled.
type mockService struct {
	block bool
	err   error
	reqs  chan Request
}

func (m *mockService) Ready(ctx context.Context) error {
	return ctx.Err()
}

func (m *mockService) Call(ctx context.Context, req Request) (Response,
	error) {

	if m.reqs != nil {
		m.reqs <- req
	}

	if m.block {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}

	if m.err != nil {
		return Response{}, m.err
	}

	return Response{Command: req.Command}, nil
}

// TestClientCall asserts that requests reach the service and that service
// errors are wrapped.
func TestClientCall(t *testing.T) {
	t.Parallel()

	guard, handle := connection.Build(fn.None[*connection.Permit]())
	defer guard.Close()

	info := Info{
		ID:        NewID(ZonePublic, "10.0.0.1:18080"),
		Direction: Outbound,
		Handle:    handle,
	}

	svc := &mockService{reqs: make(chan Request, 1)}
	client := NewClient(info, svc)
	require.Equal(t, info.ID, client.ID())
	require.Equal(t, "public/10.0.0.1:18080", client.ID().String())

	require.NoError(t, client.Ready(context.Background()))

	req := NewTxsRequest([][]byte{{0x01}}, false)
	resp, err := client.Call(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, CmdNewTransactions, resp.Command)
	require.Equal(t, req, <-svc.reqs)

	errRemote := errors.New("remote error")
	svc.err = errRemote
	_, err = client.Call(context.Background(), NewPingRequest())
	require.ErrorIs(t, err, errRemote)
}

// TestClientCallAbortedOnClose asserts that closing the connection aborts an
// outstanding call with ErrClientClosed, and that later calls fail fast.
func TestClientCallAbortedOnClose(t *testing.T) {
	t.Parallel()

	guard, handle := connection.Build(fn.None[*connection.Permit]())
	client := NewClient(Info{
		ID:     NewID(ZoneTor, "abc.onion:18083"),
		Handle: handle,
	}, &mockService{block: true})

	errChan := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), NewPingRequest())
		errChan <- err
	}()

	guard.ConnectionClosed()

	select {
	case err := <-errChan:
		require.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("call not aborted")
	}

	require.True(t, client.IsClosed())
	require.ErrorIs(t, client.Ready(context.Background()), ErrClientClosed)

	_, err := client.Call(context.Background(), NewPingRequest())
	require.ErrorIs(t, err, ErrClientClosed)
}
