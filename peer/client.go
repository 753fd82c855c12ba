package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/stemnet/stemd/connection"
)

// ErrClientClosed is returned by a Client whose connection is closed.
var ErrClientClosed = errors.New("peer client closed")

// Client is our handle to a live peer connection. It pairs the peer's Service
// with the connection.Handle that controls the connection, and makes sure no
// request outlives the connection.
type Client struct {
	info Info
	svc  Service
}

// NewClient creates a client for the connection described by info.
func NewClient(info Info, svc Service) *Client {
	return &Client{
		info: info,
		svc:  svc,
	}
}

// ID returns the ID of the remote peer.
func (c *Client) ID() ID {
	return c.info.ID
}

// Info returns the connection information of the client.
func (c *Client) Info() Info {
	return c.info
}

// Handle returns the handle of the client's connection.
func (c *Client) Handle() connection.Handle {
	return c.info.Handle
}

// IsClosed returns true if the client's connection is closed.
func (c *Client) IsClosed() bool {
	return c.info.Handle.IsClosed()
}

// Ready blocks until the peer can accept another request.
func (c *Client) Ready(ctx context.Context) error {
	if c.IsClosed() {
		return ErrClientClosed
	}

	ctx, cancel := c.bindContext(ctx)
	defer cancel()

	if err := c.svc.Ready(ctx); err != nil {
		if c.IsClosed() {
			return ErrClientClosed
		}

		return fmt.Errorf("peer %v not ready: %w", c.info.ID, err)
	}

	return nil
}

// Call sends the request to the peer and waits for its response. The call is
// aborted once the connection closes.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	if c.IsClosed() {
		return Response{}, ErrClientClosed
	}

	ctx, cancel := c.bindContext(ctx)
	defer cancel()

	resp, err := c.svc.Call(ctx, req)
	if err != nil {
		if c.IsClosed() {
			return Response{}, ErrClientClosed
		}

		return Response{}, fmt.Errorf("%v request to %v failed: %w",
			req.Command, c.info.ID, err)
	}

	return resp, nil
}

// bindContext derives a context from ctx that is also cancelled once the
// connection closes.
func (c *Client) bindContext(ctx context.Context) (context.Context,
	context.CancelFunc) {

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.info.Handle.Context(), cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}
