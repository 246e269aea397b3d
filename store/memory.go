package store

import (
	"context"
	"sync"

	"github.com/hazyhaar/volkeeper/level"
)

// MemoryPersister keeps serialised policies in memory. It stores the JSON
// encoding so a reload goes through the same decode path as a real backend.
type MemoryPersister struct {
	mu    sync.Mutex
	data  map[string][]byte
	saves int

	// LoadErr and SaveErr, when set, are returned by Load and Save.
	LoadErr error
	SaveErr error
}

// NewMemoryPersister returns an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{data: make(map[string][]byte)}
}

// Load implements Persister.
func (m *MemoryPersister) Load(_ context.Context, key string) (level.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return level.UnmarshalPolicy(m.data[key])
}

// Save implements Persister.
func (m *MemoryPersister) Save(_ context.Context, key string, p level.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	data, err := level.MarshalPolicy(p)
	if err != nil {
		return err
	}
	m.data[key] = data
	m.saves++
	return nil
}

// Saves returns the number of successful saves.
func (m *MemoryPersister) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Raw returns the stored encoding for key.
func (m *MemoryPersister) Raw(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data[key]...)
}
