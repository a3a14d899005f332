package session

import (
	"context"
	"sync"
)

// MemoryStore is a Store that lives only as long as the process.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, key string) (Session, error) {
	m.mu.Lock()
	data, ok := m.items[key]
	m.mu.Unlock()
	if !ok {
		return Session{}, ErrNoSession
	}
	return decode(data)
}

func (m *MemoryStore) Save(_ context.Context, key string, s Session) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.items[key] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// SetRaw stores data under key without validation. It lets callers seed a
// store with whatever a previous widget version left behind.
func (m *MemoryStore) SetRaw(key string, data []byte) {
	m.mu.Lock()
	m.items[key] = append([]byte(nil), data...)
	m.mu.Unlock()
}
