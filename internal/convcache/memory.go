package convcache

import (
	"context"
	"strings"
	"sync"
)

// MemoryIndex is an in-process index for tests and single-shot runs.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]Entry)}
}

// Get retrieves an entry.
func (m *MemoryIndex) Get(_ context.Context, key Key) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key.String()]
	if !ok {
		return nil, ErrEntryNotFound
	}
	copied := entry
	return &copied, nil
}

// Put upserts an entry.
func (m *MemoryIndex) Put(_ context.Context, key Key, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key.String()] = *entry
	return nil
}

// Delete removes an entry, silently ignoring absent keys.
func (m *MemoryIndex) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key.String())
	return nil
}

// DeleteByDocument removes all entries of one document.
func (m *MemoryIndex) DeleteByDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := documentID + "#"
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

// Close is a no-op for the memory index.
func (m *MemoryIndex) Close() error {
	return nil
}

// Len reports the number of stored entries.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
