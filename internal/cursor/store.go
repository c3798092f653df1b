// Package cursor persists the per-event-type position in the ledger event log.
package cursor

import (
	"context"
	"sync"
)

// Store maps event type names to the opaque cursor of the last fully applied
// page. A missing entry means start of stream.
type Store interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, eventType, cursor string) error
}

// MemoryStore keeps cursors in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]string
	saveErr error
	saves   int
}

func NewMemoryStore(initial map[string]string) *MemoryStore {
	m := &MemoryStore{cursors: make(map[string]string, len(initial))}
	for k, v := range initial {
		m.cursors[k] = v
	}
	return m
}

func (m *MemoryStore) Load(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.cursors))
	for k, v := range m.cursors {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, eventType, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.cursors[eventType] = cursor
	m.saves++
	return nil
}

// FailSaves makes subsequent saves return err; nil restores normal behaviour.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// Saves returns the number of successful saves.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
