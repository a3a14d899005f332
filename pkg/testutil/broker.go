package testutil

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lightforgemedia/go-supportchat/pkg/broker"
	"github.com/lightforgemedia/go-supportchat/pkg/chatserver"
)

var (
	defaultSlogHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
	// DefaultLogger is the logger test servers and clients log to.
	DefaultLogger = slog.New(defaultSlogHandler)
)

// BrokerServer combines a broker and its HTTP server for testing
type BrokerServer struct {
	*broker.Broker
	HTTP  *httptest.Server
	WSURL string
}

// NewBrokerServer creates a broker behind an httptest.Server. Both are shut
// down when the test ends.
func NewBrokerServer(t *testing.T, opts ...broker.Option) *BrokerServer {
	t.Helper()

	b, err := broker.New(append([]broker.Option{broker.WithLogger(DefaultLogger)}, opts...)...)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	srv := httptest.NewServer(b.UpgradeHandler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Shutdown(ctx)
		srv.Close()
	})
	return &BrokerServer{Broker: b, HTTP: srv, WSURL: wsURL(srv.URL, "")}
}

// ChatServer is a running demo backend for tests.
type ChatServer struct {
	*chatserver.Server
	HTTP  *httptest.Server
	URL   string
	WSURL string
}

// FastConfig is the chat server configuration tests start from: the demo
// agent is off and requests are not rate limited.
func FastConfig() chatserver.Config {
	cfg := chatserver.DefaultConfig()
	cfg.AutoReply = false
	cfg.AutoReplyDelay = 30 * time.Millisecond
	cfg.RateLimit = 0
	return cfg
}

// NewChatServer starts the demo backend with cfg behind an httptest.Server.
func NewChatServer(t *testing.T, cfg chatserver.Config, opts ...chatserver.Option) *ChatServer {
	t.Helper()

	s, err := chatserver.New(cfg, append([]chatserver.Option{chatserver.WithLogger(DefaultLogger)}, opts...)...)
	if err != nil {
		t.Fatalf("chatserver.New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		srv.Close()
	})
	return &ChatServer{Server: s, HTTP: srv, URL: srv.URL, WSURL: wsURL(srv.URL, "/ws")}
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}
