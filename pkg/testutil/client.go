package testutil

import (
	"testing"
	"time"

	"github.com/lightforgemedia/go-supportchat/pkg/client"
	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
)

// NewTestClient connects a client with short timeouts and waits until it is
// registered. It is closed when the test ends.
func NewTestClient(t *testing.T, urlStr string, opts ...client.Option) *client.Client {
	t.Helper()

	base := []client.Option{
		client.WithLogger(DefaultLogger),
		client.WithDefaultRequestTimeout(2 * time.Second),
	}
	cli, err := client.Connect(urlStr, append(base, opts...)...)
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}
	t.Cleanup(func() { cli.Close() })

	if err := WaitFor(t, "client connected", 2*time.Second, cli.Connected); err != nil {
		t.Fatal(err)
	}
	return cli
}

// NewAgentClient connects a client registered as a support agent.
func NewAgentClient(t *testing.T, urlStr, name string, opts ...client.Option) *client.Client {
	t.Helper()
	base := []client.Option{
		client.WithClientType(protocol.ClientTypeAgent),
		client.WithClientName(name),
	}
	return NewTestClient(t, urlStr, append(base, opts...)...)
}
