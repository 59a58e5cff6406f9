package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps the snapshot in process memory. Snapshots are
// round-tripped through JSON on save and load so callers never share
// mutable state with the store, matching the durable adapters.
type MemoryStore struct {
	mu    sync.Mutex
	raw   []byte
	saved bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save replaces the stored snapshot.
func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = raw
	m.saved = true
	return nil
}

// Load returns the stored snapshot, or an empty one when nothing was saved.
func (m *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snap Snapshot
	if !m.saved {
		return snap, nil
	}
	if err := json.Unmarshal(m.raw, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// Clear drops the stored snapshot.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = nil
	m.saved = false
	return nil
}

// Exists reports whether a snapshot has been saved.
func (m *MemoryStore) Exists(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved, nil
}

// Key identifies the store.
func (m *MemoryStore) Key() string { return "memory" }

// SchemaVersion reports the snapshot layout version.
func (m *MemoryStore) SchemaVersion() int { return SchemaVersion }

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
