// Package memory stores records in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

// Medium implements tracker.Medium over a map.
type Medium struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMedium creates an empty in-memory medium.
func NewMedium() *Medium {
	return &Medium{data: make(map[string][]byte)}
}

// List returns the stored keys in sorted order.
func (m *Medium) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Read returns a copy of the bytes stored under key.
func (m *Medium) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tracker.ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

// Write stores a copy of data under a new key.
func (m *Medium) Write(_ context.Context, key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[key]; exists {
		return fmt.Errorf("%w: %s", tracker.ErrExists, key)
	}
	m.data[key] = append([]byte(nil), data...)
	return nil
}

// Put stores data under key unconditionally. Tests use it to seed raw or corrupt records.
func (m *Medium) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
}

// Delete removes key.
func (m *Medium) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return fmt.Errorf("%w: %s", tracker.ErrNotFound, key)
	}
	delete(m.data, key)
	return nil
}
