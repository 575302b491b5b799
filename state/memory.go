package state

import (
	"context"
	"sync"
)

// MemoryStore implements Store in memory. It backs dry runs and tests.
type MemoryStore struct {
	state State
	mu    sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a deep copy so callers cannot mutate the stored map through
// the returned value.
func (m *MemoryStore) Load(ctx context.Context) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := State{Serial: m.state.Serial}
	if m.state.Resources != nil {
		out.Resources = make(map[string]Record, len(m.state.Resources))
		for k, v := range m.state.Resources {
			out.Resources[k] = v
		}
	}
	return out, nil
}

// Save stores a copy of the given state.
func (m *MemoryStore) Save(ctx context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.Serial++
	stored := State{Serial: s.Serial, Resources: make(map[string]Record, len(s.Resources))}
	for k, v := range s.Resources {
		stored.Resources[k] = v
	}
	m.state = stored
	return nil
}
