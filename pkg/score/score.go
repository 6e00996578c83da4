// Package score computes importance scores for activity records.
//
// Scoring is additive with capped contributions per factor: no single signal
// can dominate, and the score is monotonic in each input. Monotonicity is
// what makes resurrection sound — raising a feedback counter can only raise
// the score.
package score

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/atticdb/attic/pkg/record"
)

// Signals supplies the contextual lookups scoring depends on. Implemented by
// the feedback sink. Any lookup error degrades to a zero contribution;
// scoring never blocks ingestion or consolidation.
type Signals interface {
	// EntityHits returns how often the entity mattered to a query result.
	EntityHits(ctx context.Context, entityRef string) (int, error)

	// CrossRefs returns how many other sources reference the entity.
	CrossRefs(ctx context.Context, entityRef string) (int, error)

	// Elevation returns the resurrection boost for the entity, 0 if none.
	Elevation(ctx context.Context, entityRef string) (float64, error)
}

// Config holds the per-factor weights and caps. All values are configuration:
// the defaults are illustrative, not validated.
type Config struct {
	// RecencyCap bounds the recency factor; contribution decays with a
	// half-life, so fresh records start at the cap.
	RecencyCap      float64       `yaml:"recency_cap"`
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`

	// KindWeights maps activity kinds to a base contribution, capped at KindCap.
	KindWeights map[record.ActivityKind]float64 `yaml:"kind_weights"`
	KindCap     float64                         `yaml:"kind_cap"`

	// HitWeight is the per-query-hit contribution, capped at HitCap.
	HitWeight float64 `yaml:"hit_weight"`
	HitCap    float64 `yaml:"hit_cap"`

	// RefWeight is the per-cross-reference contribution, capped at RefCap.
	RefWeight float64 `yaml:"ref_weight"`
	RefCap    float64 `yaml:"ref_cap"`

	// ElevationCap bounds the resurrection boost.
	ElevationCap float64 `yaml:"elevation_cap"`
}

// DefaultConfig returns the default scoring configuration.
func DefaultConfig() Config {
	return Config{
		RecencyCap:      0.30,
		RecencyHalfLife: 30 * 24 * time.Hour,
		KindWeights: map[record.ActivityKind]float64{
			record.KindCreate:         0.20,
			record.KindDelete:         0.20,
			record.KindRename:         0.15,
			record.KindSecurityChange: 0.25,
			record.KindModify:         0.10,
			record.KindAccess:         0.05,
		},
		KindCap:      0.25,
		HitWeight:    0.05,
		HitCap:       0.25,
		RefWeight:    0.04,
		RefCap:       0.20,
		ElevationCap: 0.20,
	}
}

// Scorer maps a record plus contextual signals to a score in [0,1].
type Scorer struct {
	cfg     Config
	signals Signals
}

// New creates a scorer. signals may be nil, in which case only record-local
// factors (recency, kind) contribute.
func New(cfg Config, signals Signals) *Scorer {
	return &Scorer{cfg: cfg, signals: signals}
}

// Score computes the importance of a record as of now. Deterministic given
// identical record, signal values and now.
func (s *Scorer) Score(ctx context.Context, r record.ActivityRecord, now time.Time) float64 {
	total := s.recency(r, now) + s.kind(r)

	if s.signals != nil {
		if hits, err := s.signals.EntityHits(ctx, r.EntityRef); err != nil {
			log.Printf("score: degraded, entity hits unavailable for %s: %v", r.EntityRef, err)
		} else {
			total += capped(float64(hits)*s.cfg.HitWeight, s.cfg.HitCap)
		}

		if refs, err := s.signals.CrossRefs(ctx, r.EntityRef); err != nil {
			log.Printf("score: degraded, cross refs unavailable for %s: %v", r.EntityRef, err)
		} else {
			total += capped(float64(refs)*s.cfg.RefWeight, s.cfg.RefCap)
		}

		if boost, err := s.signals.Elevation(ctx, r.EntityRef); err != nil {
			log.Printf("score: degraded, elevation unavailable for %s: %v", r.EntityRef, err)
		} else {
			total += capped(boost, s.cfg.ElevationCap)
		}
	}

	return capped(total, 1.0)
}

// recency decays from the cap with the configured half-life.
func (s *Scorer) recency(r record.ActivityRecord, now time.Time) float64 {
	age := now.Sub(r.OccurredAt)
	if age <= 0 {
		return s.cfg.RecencyCap
	}
	halfLives := float64(age) / float64(s.cfg.RecencyHalfLife)
	return s.cfg.RecencyCap * math.Exp2(-halfLives)
}

func (s *Scorer) kind(r record.ActivityRecord) float64 {
	return capped(s.cfg.KindWeights[r.Kind], s.cfg.KindCap)
}

func capped(v, cap float64) float64 {
	if v < 0 {
		return 0
	}
	if v > cap {
		return cap
	}
	return v
}
