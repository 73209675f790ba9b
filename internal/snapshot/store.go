// Package snapshot holds the poller's last-observed copy of the task table
// and its optional persistence, used to resume diffing after a restart.
package snapshot

import (
	"context"
	"sync"

	"github.com/dohr-michael/taskrelay/internal/source"
)

// Store persists the last-observed rows between process restarts. A fresh
// store returns an empty map, which makes the first poll diff "from empty".
type Store interface {
	Load(ctx context.Context) (map[string]source.Row, error)
	Save(ctx context.Context, rows map[string]source.Row) error
	Close() error
}

// MemoryStore keeps the snapshot in process memory only. Restarts start
// from an empty snapshot.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]source.Row
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]source.Row)}
}

// Load returns a copy of the stored rows.
func (s *MemoryStore) Load(ctx context.Context) (map[string]source.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]source.Row, len(s.rows))
	for id, row := range s.rows {
		copied[id] = row
	}
	return copied, nil
}

// Save replaces the stored rows with a copy of the given map.
func (s *MemoryStore) Save(ctx context.Context, rows map[string]source.Row) error {
	copied := make(map[string]source.Row, len(rows))
	for id, row := range rows {
		copied[id] = row
	}

	s.mu.Lock()
	s.rows = copied
	s.mu.Unlock()
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
