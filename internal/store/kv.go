package store

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryKV is a KV that keeps everything in process memory. Nothing survives a restart.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

// NewMemoryKV creates a MemoryKV seeded with the given values.
func NewMemoryKV(seed map[string][]byte) *MemoryKV {
	data := make(map[string][]byte, len(seed))
	maps.Copy(data, seed)
	return &MemoryKV{data: data}
}

// Get implements KV.
func (m *MemoryKV) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = slices.Clone(v)
		}
	}
	return out, nil
}

// Set implements KV.
func (m *MemoryKV) Set(_ context.Context, values map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range values {
		m.data[k] = slices.Clone(v)
	}
	m.sets++
	return nil
}

// Writes reports how many Set calls have been made.
func (m *MemoryKV) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}
