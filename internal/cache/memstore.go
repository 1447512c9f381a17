package cache

import (
	"context"
	"sync"
)

// MemStore is a process-local [Store]. It is what a memory-only deployment
// and most tests use as the durable tier.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	puts int
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Get implements [Store].
func (m *MemStore) Get(_ context.Context, fingerprint string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[fingerprint]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

// Put implements [Store]. An existing key is left untouched.
func (m *MemStore) Put(_ context.Context, fingerprint string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if _, ok := m.data[fingerprint]; ok {
		return nil
	}
	m.data[fingerprint] = append([]byte(nil), data...)
	return nil
}

// Len returns the number of stored keys.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Puts returns how many times Put was called, including ignored rewrites.
func (m *MemStore) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
