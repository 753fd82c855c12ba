package dandelion

import (
	"errors"
	"fmt"
)

var (
	// ErrOutboundPeerDiscoverExited is returned when the outbound peer
	// stream ended. The router can not recover from this.
	ErrOutboundPeerDiscoverExited = errors.New("outbound peer discovery " +
		"exited")

	// ErrPoolManagerExiting is returned for transactions handed to a
	// pool manager that is shutting down.
	ErrPoolManagerExiting = errors.New("dandelion pool manager exiting")

	// ErrRouterClosed is returned by a router after Close.
	ErrRouterClosed = errors.New("dandelion router closed")
)

// OutboundPeerStreamError wraps a failure of the outbound peer stream.
type OutboundPeerStreamError struct {
	Err error
}

// Error returns a human readable description of the error.
func (e *OutboundPeerStreamError) Error() string {
	return fmt.Sprintf("outbound peer stream failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *OutboundPeerStreamError) Unwrap() error {
	return e.Err
}
