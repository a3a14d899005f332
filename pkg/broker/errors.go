package broker

import "errors"

var (
	// ErrClientNotFound is returned by lookups for unknown connections.
	ErrClientNotFound = errors.New("broker: client not found")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("broker: shutting down")
	// ErrClientGone is returned when sending to a closed connection.
	ErrClientGone = errors.New("broker: client disconnected")
)
