package clientpool

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stemnet/stemd/peer"
	"github.com/stretchr/testify/require"
)

// TestStemStream asserts that the stream claims each outbound peer once,
// reports exhaustion and ends once the pool stopped.
func TestStemStream(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := New(Config{})

	out := newTestConn(t, "out", peer.Outbound, nil)
	in := newTestConn(t, "in", peer.Inbound, nil)
	require.NoError(t, pool.AddNewClient(out.client))
	require.NoError(t, pool.AddNewClient(in.client))

	stream := NewStemStream(pool)

	next, err := stream.Next(ctx)
	require.NoError(t, err)
	require.False(t, next.Exhausted)
	require.Equal(t, out.client.ID(), next.ID)
	require.Equal(t, 1, pool.StemPeers())

	require.NoError(t, next.Service.Ready(ctx))
	require.NoError(t, next.Service.Stem(ctx, []byte{1, 2, 3}))

	reqs := out.svc.recorded()
	require.Len(t, reqs, 1)
	require.Equal(t, peer.CmdNewTransactions, reqs[0].Command)
	require.False(t, reqs[0].Fluff)
	require.Equal(t, [][]byte{{1, 2, 3}}, reqs[0].Txs)

	exhausted, err := stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, exhausted.Exhausted)

	next.Service.Release()
	require.Zero(t, pool.StemPeers())

	pool.Stop()

	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

// TestStemServiceClientGone asserts that a stem service fails once its peer
// left the pool.
func TestStemServiceClientGone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := newTestPool(t, Config{})

	errCall := errors.New("call failed")
	conn := newTestConn(t, "out", peer.Outbound, &mockService{
		callErr: errCall,
	})
	require.NoError(t, pool.AddNewClient(conn.client))

	next, err := NewStemStream(pool).Next(ctx)
	require.NoError(t, err)
	defer next.Service.Release()

	require.ErrorIs(t, next.Service.Stem(ctx, []byte{1}), errCall)

	pool.RemoveClient(conn.client.ID())

	require.ErrorIs(t, next.Service.Ready(ctx), ErrClientGone)
	require.ErrorIs(t, next.Service.Stem(ctx, []byte{1}), ErrClientGone)
}
