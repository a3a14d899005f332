package broker

import (
	"context"
	"time"
)

// ClientHandle is a client connection as seen by server-side handlers.
type ClientHandle interface {
	ID() string       // server-assigned id, unique per connection
	ClientID() string // id the client registered with; stable across reconnects
	Name() string
	ClientType() string
	ClientURL() string
	RemoteAddr() string
	Context() context.Context // cancelled when the connection goes away

	// SendClientRequest sends a request to this client and decodes its response
	// into responsePayloadPtr. timeout <= 0 uses the broker default.
	SendClientRequest(ctx context.Context, topic string, requestData any, responsePayloadPtr any, timeout time.Duration) error

	// Send pushes a publish envelope to this client only.
	Send(ctx context.Context, topic string, payloadData any) error
}
