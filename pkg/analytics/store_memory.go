package analytics

import (
	"context"
	"sync"
)

// MemoryStore implements Store in memory. Intended for tests and local
// development; not durable.
type MemoryStore struct {
	mu        sync.Mutex
	cascades  []CascadeReport
	cells     []CellReport
	breakdown []ContextEntry
}

// NewMemoryStore returns an empty in-memory analytics store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// InsertCascade implements Store.
func (s *MemoryStore) InsertCascade(_ context.Context, rep CascadeReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cascades = append(s.cascades, rep)
	return nil
}

// InsertCells implements Store.
func (s *MemoryStore) InsertCells(_ context.Context, reps []CellReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells = append(s.cells, reps...)
	return nil
}

// InsertContext implements Store.
func (s *MemoryStore) InsertContext(_ context.Context, entries []ContextEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakdown = append(s.breakdown, entries...)
	return nil
}

// CascadeSamples implements Store.
func (s *MemoryStore) CascadeSamples(_ context.Context, cascadeID string) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sample
	for _, r := range s.cascades {
		if r.CascadeID == cascadeID {
			out = append(out, Sample{Cost: r.TotalCost, DurationMS: r.TotalDurationMS})
		}
	}
	return out, nil
}

// ClusterSamples implements Store.
func (s *MemoryStore) ClusterSamples(_ context.Context, cascadeID, inputCategory string) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sample
	for _, r := range s.cascades {
		if r.CascadeID == cascadeID && r.InputCategory == inputCategory {
			out = append(out, Sample{Cost: r.TotalCost, DurationMS: r.TotalDurationMS})
		}
	}
	return out, nil
}

// GenusSamples implements Store.
func (s *MemoryStore) GenusSamples(_ context.Context, genusHash string) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sample
	for _, r := range s.cascades {
		if r.GenusHash == genusHash {
			out = append(out, Sample{Cost: r.TotalCost, DurationMS: r.TotalDurationMS})
		}
	}
	return out, nil
}

// SpeciesCosts implements Store.
func (s *MemoryStore) SpeciesCosts(_ context.Context, speciesHash string) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []float64
	for _, r := range s.cells {
		if r.SpeciesHash == speciesHash {
			out = append(out, r.CellCost)
		}
	}
	return out, nil
}

// Cascades returns a copy of the stored cascade reports.
func (s *MemoryStore) Cascades() []CascadeReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CascadeReport(nil), s.cascades...)
}

// Cells returns a copy of the stored cell reports.
func (s *MemoryStore) Cells() []CellReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CellReport(nil), s.cells...)
}

// Breakdown returns a copy of the stored context entries.
func (s *MemoryStore) Breakdown() []ContextEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ContextEntry(nil), s.breakdown...)
}

var _ Store = (*MemoryStore)(nil)
