// Package memory implements storage.Store in process memory.
// Data is lost on restart. Useful for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atticdb/attic/pkg/record"
	"github.com/atticdb/attic/pkg/storage"
)

// Store keeps records in a map keyed by record identity.
type Store struct {
	mu       sync.RWMutex
	records  map[string]record.ActivityRecord
	journals map[string]storage.Journal
	markers  map[string]storage.Marker
}

// New creates an in-memory storage backend.
func New() *Store {
	return &Store{
		records:  make(map[string]record.ActivityRecord),
		journals: make(map[string]storage.Journal),
		markers:  make(map[string]storage.Marker),
	}
}

// Put upserts records. Same key overwrites, so duplicate submission is a no-op.
func (s *Store) Put(ctx context.Context, recs []record.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range recs {
		s.records[r.Key()] = r
	}
	return nil
}

// Scan returns matching records ordered by (occurred_at, entity_ref, seq).
func (s *Store) Scan(ctx context.Context, req storage.ScanRequest) ([]record.ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []record.ActivityRecord
	for _, r := range s.records {
		if req.Matches(r) {
			results = append(results, r)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return record.Before(results[i], results[j])
	})

	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// Delete removes records by identity.
func (s *Store) Delete(ctx context.Context, recs []record.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range recs {
		delete(s.records, r.Key())
	}
	return nil
}

// DeleteOlderThan removes all records older than the cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, r := range s.records {
		if r.OccurredAt.Before(before) {
			delete(s.records, k)
		}
	}
	return nil
}

// PutJournal stores a batch journal.
func (s *Store) PutJournal(ctx context.Context, j storage.Journal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journals[j.BatchID] = j
	return nil
}

// ListJournals returns all pending batch journals.
func (s *Store) ListJournals(ctx context.Context) ([]storage.Journal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Journal, 0, len(s.journals))
	for _, j := range s.journals {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out, nil
}

// DeleteJournal removes a committed batch journal.
func (s *Store) DeleteJournal(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.journals, batchID)
	return nil
}

// PutMarker stores a resurrection marker.
func (s *Store) PutMarker(ctx context.Context, m storage.Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[m.EntityRef] = m
	return nil
}

// GetMarker returns the marker for an entity, if any.
func (s *Store) GetMarker(ctx context.Context, entityRef string) (storage.Marker, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[entityRef]
	return m, ok, nil
}

// Stats returns storage statistics.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{RecordCount: uint64(len(s.records))}
	if len(s.records) == 0 {
		return stats, nil
	}

	var importanceSum float64
	var oldest, newest time.Time
	for _, r := range s.records {
		importanceSum += r.Importance
		if oldest.IsZero() || r.OccurredAt.Before(oldest) {
			oldest = r.OccurredAt
		}
		if newest.IsZero() || r.OccurredAt.After(newest) {
			newest = r.OccurredAt
		}
	}

	stats.Oldest = oldest
	stats.Newest = newest
	stats.AvgImportance = importanceSum / float64(len(s.records))
	// Rough size estimate, records average a few hundred bytes
	stats.SizeBytes = uint64(len(s.records)) * 256
	return stats, nil
}

// Close is a no-op for memory storage.
func (s *Store) Close() error {
	return nil
}
