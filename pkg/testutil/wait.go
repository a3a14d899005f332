// Package testutil provides test helpers for the support chat packages.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/lightforgemedia/go-supportchat/pkg/broker"
)

// WaitForClient waits for a connection with the given server-assigned id.
func WaitForClient(t *testing.T, b *broker.Broker, clientID string, timeout time.Duration) (broker.ClientHandle, error) {
	t.Helper()
	var handle broker.ClientHandle
	err := WaitFor(t, "client "+clientID+" connected", timeout, func() bool {
		h, err := b.GetClient(clientID)
		if err != nil {
			return false
		}
		handle = h
		return true
	})
	if err != nil {
		var connected []string
		b.IterateClients(func(ch broker.ClientHandle) bool {
			connected = append(connected, ch.ID())
			return true
		})
		t.Logf("WaitForClient: client %s not found. Connected clients: %v", clientID, connected)
		return nil, err
	}
	return handle, nil
}

// WaitForClientDisconnect waits until the broker no longer knows clientID.
func WaitForClientDisconnect(t *testing.T, b *broker.Broker, clientID string, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, "client "+clientID+" disconnected", timeout, func() bool {
		_, err := b.GetClient(clientID)
		return err != nil
	})
}

// WaitFor polls condition until it is true or timeout passes.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition '%s' not met within %v", description, timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
