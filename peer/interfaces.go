package peer

import "context"

// Service is the request/response interface of a single connected peer as
// provided by the external transport. The service must respect context
// cancellation on both methods.
type Service interface {
	// Ready blocks until the service can accept another request.
	Ready(ctx context.Context) error

	// Call sends the request to the peer and waits for its response.
	Call(ctx context.Context, req Request) (Response, error)
}
