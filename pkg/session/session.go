// Package session persists the widget's chat session between page loads or
// process restarts. A session is stored as a JSON document under a single key,
// the way a browser widget keeps it in local storage.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultKey is the storage key used when none is configured.
	DefaultKey = "supportchat.session"
	// DefaultTTL is how long a stored session stays resumable.
	DefaultTTL = 24 * time.Hour
)

var (
	// ErrNoSession is returned when nothing usable is stored under a key.
	ErrNoSession = errors.New("session: no stored session")
	// ErrInvalid is returned when saving a session without its identifiers.
	ErrInvalid = errors.New("session: customer and chat session ids are required")
)

// Session is the record the widget keeps locally to resume a chat.
type Session struct {
	CustomerID    string    `json:"customerId"`
	ChatSessionID string    `json:"chatSessionId"`
	CustomerName  string    `json:"customerName"`
	Timestamp     time.Time `json:"timestamp"`
}

// Expired reports whether the session is older than ttl at now.
// A non-positive ttl means DefaultTTL.
func (s Session) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return now.Sub(s.Timestamp) > ttl
}

// Valid reports whether both identifiers are present.
func (s Session) Valid() bool {
	return s.CustomerID != "" && s.ChatSessionID != ""
}

// Touch returns a copy with Timestamp set to now.
func (s Session) Touch(now time.Time) Session {
	s.Timestamp = now
	return s
}

// Store keeps at most one session per key.
type Store interface {
	// Load returns the stored session or ErrNoSession.
	Load(ctx context.Context, key string) (Session, error)
	Save(ctx context.Context, key string, s Session) error
	// Clear removes the session; clearing a missing key is not an error.
	Clear(ctx context.Context, key string) error
}

// LoadValid loads the session under key and drops it if it is expired or
// unreadable, in which case ErrNoSession is returned.
func LoadValid(ctx context.Context, store Store, key string, now time.Time, ttl time.Duration) (Session, error) {
	s, err := store.Load(ctx, key)
	switch {
	case errors.Is(err, ErrNoSession):
		return Session{}, ErrNoSession
	case errors.Is(err, errCorrupt):
		if cerr := store.Clear(ctx, key); cerr != nil {
			return Session{}, cerr
		}
		return Session{}, ErrNoSession
	case err != nil:
		return Session{}, err
	}
	if !s.Valid() || s.Expired(now, ttl) {
		if err := store.Clear(ctx, key); err != nil {
			return Session{}, err
		}
		return Session{}, ErrNoSession
	}
	return s, nil
}

var errCorrupt = errors.New("session: stored value is not a session")

func encode(s Session) ([]byte, error) {
	if !s.Valid() {
		return nil, ErrInvalid
	}
	return json.Marshal(s)
}

func decode(data []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	return s, nil
}
