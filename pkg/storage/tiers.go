package storage

import (
	"fmt"
	"time"

	"github.com/atticdb/attic/pkg/record"
)

// TierDescriptor is the static configuration for one retention tier.
type TierDescriptor struct {
	Tier record.Tier `yaml:"tier"`

	// RetentionHorizon is the age at which records become eligible for
	// migration to the next tier. Zero for glacial (terminal tier).
	RetentionHorizon time.Duration `yaml:"retention_horizon"`

	// MinDetail is the least detailed transform this tier will store.
	// Compression below it is clamped up during consolidation into the tier.
	MinDetail record.DetailLevel `yaml:"min_detail"`

	// IndexStride controls kind-index density: 1 writes an index entry per
	// record, N writes every Nth. Tiers with stride > 1 answer kind-filtered
	// scans by filtering a full range scan instead of using the index.
	IndexStride int `yaml:"index_stride"`
}

// TierSet owns the four tier stores and their descriptors.
// Writers touch exactly one store each: ingestion appends to Hot, the
// consolidator writes to Warm/Cool/Glacial.
type TierSet struct {
	stores      map[record.Tier]Store
	descriptors map[record.Tier]TierDescriptor
}

// NewTierSet wires stores to descriptors. Every tier must be present.
func NewTierSet(stores map[record.Tier]Store, descs []TierDescriptor) (*TierSet, error) {
	byTier := make(map[record.Tier]TierDescriptor, len(descs))
	for _, d := range descs {
		byTier[d.Tier] = d
	}
	for _, tier := range record.Tiers {
		if _, ok := stores[tier]; !ok {
			return nil, fmt.Errorf("storage: missing store for tier %q", tier)
		}
		if _, ok := byTier[tier]; !ok {
			return nil, fmt.Errorf("storage: missing descriptor for tier %q", tier)
		}
	}
	return &TierSet{stores: stores, descriptors: byTier}, nil
}

// Store returns the store owning the given tier.
func (ts *TierSet) Store(tier record.Tier) Store {
	return ts.stores[tier]
}

// Descriptor returns the configuration for the given tier.
func (ts *TierSet) Descriptor(tier record.Tier) TierDescriptor {
	return ts.descriptors[tier]
}

// Close shuts down all tier stores, returning the first error seen.
func (ts *TierSet) Close() error {
	var first error
	for _, tier := range record.Tiers {
		if err := ts.stores[tier].Close(); err != nil && first == nil {
			first = fmt.Errorf("storage: closing %s tier: %w", tier, err)
		}
	}
	return first
}
