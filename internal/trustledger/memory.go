package trustledger

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store. It is primarily useful for
// testing and for single-process deployments that do not require durable
// persistence across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*LogEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tail *LogEntry
	if n := len(s.entries); n > 0 {
		tail = s.entries[n-1]
	}
	if !extends(tail, e) {
		return ErrSequenceConflict
	}
	s.entries = append(s.entries, e.clone())
	return nil
}

// Tail implements Store.
func (s *MemoryStore) Tail(_ context.Context) (*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	return s.entries[len(s.entries)-1].clone(), nil
}

// Range implements Store.
func (s *MemoryStore) Range(_ context.Context, from int64, limit int) ([]*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from < 0 || from >= int64(len(s.entries)) || limit <= 0 {
		return nil, nil
	}
	end := min(from+int64(limit), int64(len(s.entries)))
	out := make([]*LogEntry, 0, end-from)
	for _, e := range s.entries[from:end] {
		out = append(out, e.clone())
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, seq int64) (*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq < 0 || seq >= int64(len(s.entries)) {
		return nil, ErrNotFound
	}
	return s.entries[seq].clone(), nil
}
