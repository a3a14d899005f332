package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
	"github.com/lightforgemedia/go-supportchat/pkg/wire"
)

// MockServer is a scripted WebSocket peer for client-side tests. It answers
// registration itself and passes every other envelope to the handler; a
// non-nil return value is written back.
type MockServer struct {
	T     *testing.T
	HTTP  *httptest.Server
	WSURL string

	mu          sync.Mutex
	handler     func(env *wire.Envelope) *wire.Envelope
	conn        *websocket.Conn
	connections int
	received    []wire.Envelope
}

// NewMockServer starts a mock server. It is closed when the test ends.
func NewMockServer(t *testing.T, handler func(env *wire.Envelope) *wire.Envelope) *MockServer {
	t.Helper()
	ms := &MockServer{T: t, handler: handler}
	ms.HTTP = httptest.NewServer(http.HandlerFunc(ms.serve))
	ms.WSURL = wsURL(ms.HTTP.URL, "")
	t.Cleanup(ms.Close)
	return ms
}

func (ms *MockServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		ms.T.Logf("MockServer: accept error: %v", err)
		return
	}
	conn.SetReadLimit(16 << 20)
	ms.mu.Lock()
	ms.conn = conn
	ms.connections++
	ms.mu.Unlock()

	ctx := r.Context()
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		ms.mu.Lock()
		ms.received = append(ms.received, env)
		handler := ms.handler
		ms.mu.Unlock()

		var resp *wire.Envelope
		switch {
		case env.Type == wire.TypeRequest && env.Topic == protocol.TopicClientRegister:
			resp, _ = wire.NewEnvelope(env.ID, wire.TypeResponse, env.Topic,
				protocol.ClientRegistrationResponse{ServerAssignedID: wire.NewID(), ServerTime: time.Now().Format(time.RFC3339)}, nil)
		case env.Type == wire.TypeSubscribeRequest:
			resp = &wire.Envelope{ID: env.ID, Type: wire.TypeSubscriptionAck, Topic: env.Topic}
		case handler != nil:
			resp = handler(&env)
		}
		if resp != nil {
			if err := ms.write(conn, resp); err != nil {
				return
			}
		}
	}
}

func (ms *MockServer) write(conn *websocket.Conn, env *wire.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, env)
}

// SetHandler replaces the handler for later envelopes.
func (ms *MockServer) SetHandler(handler func(env *wire.Envelope) *wire.Envelope) {
	ms.mu.Lock()
	ms.handler = handler
	ms.mu.Unlock()
}

// Push sends a publish to the current connection.
func (ms *MockServer) Push(topic string, payload any) error {
	ms.mu.Lock()
	conn := ms.conn
	ms.mu.Unlock()
	if conn == nil {
		return nil
	}
	env, err := wire.NewEnvelope("", wire.TypePublish, topic, payload, nil)
	if err != nil {
		return err
	}
	return ms.write(conn, env)
}

// Received returns the envelopes read so far with the given topic.
func (ms *MockServer) Received(topic string) []wire.Envelope {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []wire.Envelope
	for _, env := range ms.received {
		if env.Topic == topic {
			out = append(out, env)
		}
	}
	return out
}

// Connections returns how many connections have been accepted.
func (ms *MockServer) Connections() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.connections
}

// CloseCurrentConnection drops the current connection.
func (ms *MockServer) CloseCurrentConnection() {
	ms.mu.Lock()
	conn := ms.conn
	ms.conn = nil
	ms.mu.Unlock()
	if conn != nil {
		conn.CloseNow()
	}
}

// Close drops the connection and stops the server.
func (ms *MockServer) Close() {
	ms.CloseCurrentConnection()
	ms.HTTP.Close()
}

// Respond builds a response envelope for req.
func Respond(req *wire.Envelope, payload any) *wire.Envelope {
	env, err := wire.NewEnvelope(req.ID, wire.TypeResponse, req.Topic, payload, nil)
	if err != nil {
		panic(err)
	}
	return env
}

// RespondError builds an error envelope for req.
func RespondError(req *wire.Envelope, code int, msg string) *wire.Envelope {
	return wire.NewErrorEnvelope(req.ID, req.Topic, code, msg)
}
