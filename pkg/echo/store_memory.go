package echo

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps session snapshots in process memory. Suitable for tests
// and embedders that do not need sessions to survive restarts.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

// Save upserts the session's snapshot.
func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	if snap.SessionID == "" {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.SessionID] = snap
	return nil
}

// Load returns the latest snapshot for a session.
func (s *MemoryStore) Load(_ context.Context, sessionID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[sessionID]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return snap, nil
}

// Children lists the session ids persisted with the given parent, oldest
// first.
func (s *MemoryStore) Children(_ context.Context, parentSessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Snapshot
	for _, snap := range s.snaps {
		if snap.ParentSessionID == parentSessionID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	ids := make([]string, len(out))
	for i, snap := range out {
		ids[i] = snap.SessionID
	}
	return ids, nil
}

// Delete removes a session's snapshot.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, sessionID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
