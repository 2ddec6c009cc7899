package cachestate

import (
	"context"
	"sync"
)

// MemoryStore keeps states in process memory. It is used when no external
// persistence is configured and in tests.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]map[string]int64)}
}

func (m *MemoryStore) Load(_ context.Context, key string) (*State, error) {
	m.mu.Lock()
	entries := m.states[key]
	m.mu.Unlock()

	s := New(key, m)
	s.Restore(entries)
	return s, nil
}

// SaveState applies the state's pending changes, leaving entries written by
// other holders of the same key untouched.
func (m *MemoryStore) SaveState(_ context.Context, s *State) error {
	changes := s.Changes()

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.states[s.Key()]
	if entries == nil {
		entries = make(map[string]int64)
	}
	for format, ts := range changes.Set {
		entries[format] = ts
	}
	for _, format := range changes.Removed {
		delete(entries, format)
	}

	if len(entries) == 0 {
		delete(m.states, s.Key())
		return nil
	}
	m.states[s.Key()] = entries
	return nil
}
