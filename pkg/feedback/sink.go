// Package feedback closes the loop from query usage back into importance
// scoring. The sink is the only component that mutates hit counters and
// resurrection markers.
package feedback

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/atticdb/attic/pkg/record"
	"github.com/atticdb/attic/pkg/storage"
)

// Config holds feedback tunables.
type Config struct {
	// ElevationThreshold is the accumulated hit weight past which a
	// resurrection marker is written for the entity.
	ElevationThreshold float64 `yaml:"elevation_threshold"`

	// ElevationBoost is the scoring boost a marked entity receives during
	// future consolidation of related records.
	ElevationBoost float64 `yaml:"elevation_boost"`
}

// DefaultConfig returns the default feedback configuration.
func DefaultConfig() Config {
	return Config{
		ElevationThreshold: 1.0,
		ElevationBoost:     0.15,
	}
}

// Sink receives retrieval/usage events and serves the contextual signals the
// scorer consumes. Counters are process-local; resurrection markers persist
// in the hot tier store so they survive restarts.
//
// Resurrection is forward-looking only: compression already applied to old
// records is not reversible. A marker biases how future, related records are
// consolidated and annotates query results for the entity.
type Sink struct {
	cfg     Config
	markers storage.Store

	mu       sync.RWMutex
	hits     map[string]float64
	refs     map[string]int
	lastSeen map[string]seen
}

// seen remembers the tier/detail a hit reported, for the marker.
type seen struct {
	tier   record.Tier
	detail record.DetailLevel
}

// NewSink creates a feedback sink. markerStore is the store that persists
// resurrection markers (by convention the hot tier's).
func NewSink(cfg Config, markerStore storage.Store) *Sink {
	if cfg.ElevationThreshold <= 0 {
		cfg.ElevationThreshold = DefaultConfig().ElevationThreshold
	}
	if cfg.ElevationBoost <= 0 {
		cfg.ElevationBoost = DefaultConfig().ElevationBoost
	}
	return &Sink{
		cfg:      cfg,
		markers:  markerStore,
		hits:     make(map[string]float64),
		refs:     make(map[string]int),
		lastSeen: make(map[string]seen),
	}
}

// RecordHit notes that a record for the entity mattered to a query result.
// Fire-and-forget: errors are logged, never surfaced to the query path.
// Crossing the elevation threshold writes a resurrection marker.
func (s *Sink) RecordHit(ctx context.Context, entityRef string, tier record.Tier, detail record.DetailLevel, weight float64) {
	if entityRef == "" || weight <= 0 {
		return
	}

	s.mu.Lock()
	s.hits[entityRef] += weight
	total := s.hits[entityRef]
	if tier != "" {
		s.lastSeen[entityRef] = seen{tier: tier, detail: detail}
	}
	last := s.lastSeen[entityRef]
	s.mu.Unlock()

	if total < s.cfg.ElevationThreshold {
		return
	}

	m := storage.Marker{
		EntityRef:  entityRef,
		Importance: s.cfg.ElevationBoost,
		LastTier:   last.tier,
		LastDetail: last.detail,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.markers.PutMarker(ctx, m); err != nil {
		log.Printf("feedback: writing marker for %s: %v", entityRef, err)
	}
}

// RecordRef notes a cross-source reference to the entity.
func (s *Sink) RecordRef(entityRef string) {
	if entityRef == "" {
		return
	}
	s.mu.Lock()
	s.refs[entityRef]++
	s.mu.Unlock()
}

// EntityHits implements score.Signals.
func (s *Sink) EntityHits(ctx context.Context, entityRef string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.hits[entityRef]), nil
}

// CrossRefs implements score.Signals.
func (s *Sink) CrossRefs(ctx context.Context, entityRef string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs[entityRef], nil
}

// Elevation implements score.Signals: the persisted marker boost, if any.
func (s *Sink) Elevation(ctx context.Context, entityRef string) (float64, error) {
	m, ok, err := s.markers.GetMarker(ctx, entityRef)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return m.Importance, nil
}

// Marker exposes the persisted marker for query-result annotation.
func (s *Sink) Marker(ctx context.Context, entityRef string) (storage.Marker, bool, error) {
	return s.markers.GetMarker(ctx, entityRef)
}
