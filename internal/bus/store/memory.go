package store

import (
	"context"
	"sync"
	"time"

	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// MemoryStore is the in-memory Store implementation. It is the default: bus
// state lives for the kernel's lifetime only.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []v1.BusEntry
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores an entry and returns its assigned position.
func (s *MemoryStore) Append(ctx context.Context, entry *v1.BusEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entry
	stored.Position = int64(len(s.entries)) + 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, stored)
	return stored.Position, nil
}

// Read returns up to limit entries with position >= start, oldest first.
func (s *MemoryStore) Read(ctx context.Context, start int64, limit int, types []v1.BusEntryType) ([]v1.BusEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if start < 1 {
		start = 1
	}

	result := make([]v1.BusEntry, 0, limit)
	for i := start - 1; i < int64(len(s.entries)); i++ {
		entry := s.entries[i]
		if !typeMatches(entry.Type, types) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Last returns the highest assigned position.
func (s *MemoryStore) Last(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
