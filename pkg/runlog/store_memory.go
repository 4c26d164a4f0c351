package runlog

import (
	"context"
	"sync"
)

// MemoryStore implements Store in memory. Intended for tests and local
// development; not durable.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string][]Row
}

// NewMemoryStore returns an empty in-memory run log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]Row)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.rows[r.SessionID] = append(s.rows[r.SessionID], r)
	}
	return nil
}

// SessionRows implements Store, keeping the first occurrence per
// (trace_id, node_type) like the SQL store does.
func (s *MemoryStore) SessionRows(_ context.Context, sessionID string) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var out []Row
	for _, r := range s.rows[sessionID] {
		key := r.TraceID + "\x00" + r.NodeType
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out, nil
}

// AllSessions lists the session ids the store has rows for.
func (s *MemoryStore) AllSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rows))
	for id := range s.rows {
		out = append(out, id)
	}
	return out
}

// Len returns the total stored row count, duplicates included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rs := range s.rows {
		n += len(rs)
	}
	return n
}

var _ Store = (*MemoryStore)(nil)
