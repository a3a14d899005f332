package client

import "errors"

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("client: closed")
	// ErrNotConnected is returned when no connection is currently established.
	// Requests are never queued across reconnects.
	ErrNotConnected = errors.New("client: not connected")
	// ErrConnectionLost is returned to requests whose connection dropped
	// before the response arrived.
	ErrConnectionLost = errors.New("client: connection lost")
)
