package snapshot

import (
	"context"
	"sync"
)

// Memory keeps the encoded latest snapshot of each document in process.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
	saves int
}

func NewMemory() *Memory {
	return &Memory{items: map[string][]byte{}}
}

func (m *Memory) Save(_ context.Context, snap Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.items[snap.DocumentID]; ok {
		prev, err := Decode(current)
		if err == nil && prev.Position > snap.Position {
			return nil
		}
	}
	m.items[snap.DocumentID] = data
	m.saves++
	return nil
}

func (m *Memory) Latest(_ context.Context, documentID string) (Snapshot, error) {
	m.mu.RLock()
	data, ok := m.items[documentID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return Decode(data)
}

// Saves counts accepted Save calls.
func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
