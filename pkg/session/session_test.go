package session_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-supportchat/pkg/session"
)

func stores(t *testing.T) map[string]session.Store {
	t.Helper()
	sq, err := session.OpenSQLiteStore(filepath.Join(t.TempDir(), "widget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]session.Store{
		"memory": session.NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(ctx, session.DefaultKey)
			require.ErrorIs(t, err, session.ErrNoSession)

			want := session.Session{CustomerID: "cust-1", ChatSessionID: "chat-1", CustomerName: "Ada", Timestamp: now}
			require.NoError(t, store.Save(ctx, session.DefaultKey, want))

			got, err := store.Load(ctx, session.DefaultKey)
			require.NoError(t, err)
			assert.Equal(t, want.CustomerID, got.CustomerID)
			assert.Equal(t, want.ChatSessionID, got.ChatSessionID)
			assert.Equal(t, want.CustomerName, got.CustomerName)
			assert.True(t, want.Timestamp.Equal(got.Timestamp))

			// Saving again replaces the record.
			want.ChatSessionID = "chat-2"
			require.NoError(t, store.Save(ctx, session.DefaultKey, want))
			got, err = store.Load(ctx, session.DefaultKey)
			require.NoError(t, err)
			assert.Equal(t, "chat-2", got.ChatSessionID)

			// Keys are independent.
			_, err = store.Load(ctx, "other")
			require.ErrorIs(t, err, session.ErrNoSession)

			require.NoError(t, store.Clear(ctx, session.DefaultKey))
			require.NoError(t, store.Clear(ctx, session.DefaultKey))
			_, err = store.Load(ctx, session.DefaultKey)
			require.ErrorIs(t, err, session.ErrNoSession)
		})
	}
}

func TestStoreRejectsIncompleteSession(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Save(context.Background(), session.DefaultKey, session.Session{CustomerID: "only-customer"})
			require.ErrorIs(t, err, session.ErrInvalid)
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2025, 5, 2, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		age  time.Duration
		ttl  time.Duration
		want bool
	}{
		{"fresh", time.Minute, 0, false},
		{"just under a day", 24*time.Hour - time.Second, 0, false},
		{"exactly a day", 24 * time.Hour, 0, false},
		{"over a day", 24*time.Hour + time.Second, 0, true},
		{"custom ttl", 2 * time.Hour, time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := session.Session{CustomerID: "c", ChatSessionID: "s", Timestamp: now.Add(-tt.age)}
			assert.Equal(t, tt.want, s.Expired(now, tt.ttl))
		})
	}
}

func TestLoadValid(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 2, 12, 0, 0, 0, time.UTC)

	t.Run("fresh session is returned", func(t *testing.T) {
		store := session.NewMemoryStore()
		s := session.Session{CustomerID: "c", ChatSessionID: "s", Timestamp: now.Add(-time.Hour)}
		require.NoError(t, store.Save(ctx, session.DefaultKey, s))

		got, err := session.LoadValid(ctx, store, session.DefaultKey, now, session.DefaultTTL)
		require.NoError(t, err)
		assert.Equal(t, "s", got.ChatSessionID)
	})

	t.Run("expired session is cleared", func(t *testing.T) {
		store := session.NewMemoryStore()
		s := session.Session{CustomerID: "c", ChatSessionID: "s", Timestamp: now.Add(-25 * time.Hour)}
		require.NoError(t, store.Save(ctx, session.DefaultKey, s))

		_, err := session.LoadValid(ctx, store, session.DefaultKey, now, session.DefaultTTL)
		require.ErrorIs(t, err, session.ErrNoSession)
		_, err = store.Load(ctx, session.DefaultKey)
		require.ErrorIs(t, err, session.ErrNoSession)
	})

	t.Run("corrupt value is cleared", func(t *testing.T) {
		store := session.NewMemoryStore()
		store.SetRaw(session.DefaultKey, []byte("{not json"))

		_, err := session.LoadValid(ctx, store, session.DefaultKey, now, session.DefaultTTL)
		require.ErrorIs(t, err, session.ErrNoSession)
		_, err = store.Load(ctx, session.DefaultKey)
		require.ErrorIs(t, err, session.ErrNoSession)
	})

	t.Run("missing ids are cleared", func(t *testing.T) {
		store := session.NewMemoryStore()
		store.SetRaw(session.DefaultKey, []byte(`{"customerId":"c"}`))

		_, err := session.LoadValid(ctx, store, session.DefaultKey, now, session.DefaultTTL)
		require.ErrorIs(t, err, session.ErrNoSession)
	})
}

func TestSQLiteStorePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "widget.db")

	first, err := session.OpenSQLiteStore(path)
	require.NoError(t, err)
	s := session.Session{CustomerID: "c", ChatSessionID: "s", CustomerName: "Ada", Timestamp: time.Now()}
	require.NoError(t, first.Save(ctx, session.DefaultKey, s))
	require.NoError(t, first.Close())

	second, err := session.OpenSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()
	got, err := second.Load(ctx, session.DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.CustomerName)
}
