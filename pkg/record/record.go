// Package record defines the activity record model shared by every tier.
package record

import (
	"fmt"
	"time"

	"github.com/atticdb/attic/pkg/errs"
)

// ActivityKind is the enumerated category of an observed event.
type ActivityKind string

const (
	KindCreate         ActivityKind = "create"
	KindModify         ActivityKind = "modify"
	KindDelete         ActivityKind = "delete"
	KindRename         ActivityKind = "rename"
	KindSecurityChange ActivityKind = "security-change"
	KindAccess         ActivityKind = "access"
)

// DetailLevel tags which compression transform currently applies to a record.
// Ordering is strict: Full > Core > Relationship > Minimal. Detail only ever
// decreases within a lineage.
type DetailLevel string

const (
	DetailFull         DetailLevel = "full"
	DetailCore         DetailLevel = "core"
	DetailRelationship DetailLevel = "relationship"
	DetailMinimal      DetailLevel = "minimal"
)

// rank orders detail levels for monotonicity checks. Higher keeps more.
func (d DetailLevel) rank() int {
	switch d {
	case DetailFull:
		return 3
	case DetailCore:
		return 2
	case DetailRelationship:
		return 1
	case DetailMinimal:
		return 0
	}
	return -1
}

// AtMost reports whether d retains no more detail than other.
func (d DetailLevel) AtMost(other DetailLevel) bool {
	return d.rank() <= other.rank()
}

// Tier names one retention stage. Each tier owns its own store.
type Tier string

const (
	TierHot     Tier = "hot"
	TierWarm    Tier = "warm"
	TierCool    Tier = "cool"
	TierGlacial Tier = "glacial"
)

// Tiers lists the retention tiers in migration order, hottest first.
var Tiers = []Tier{TierHot, TierWarm, TierCool, TierGlacial}

// Next returns the tier a record migrates into, or "" for the last tier.
func (t Tier) Next() Tier {
	for i, tier := range Tiers {
		if tier == t && i+1 < len(Tiers) {
			return Tiers[i+1]
		}
	}
	return ""
}

// Well-known attribute keys. Attributes form the open half of the record
// schema: collectors may add arbitrary scalar string values, but these keys
// have meaning to the store itself.
const (
	AttrPath        = "path"
	AttrProcess     = "process"
	AttrDeviceID    = "device_id"
	AttrSize        = "size"
	AttrDedupKey    = "dedup_key"
	AttrWindowStart = "window_start"
	AttrWindowEnd   = "window_end"
	AttrAggKinds    = "agg_kind"

	// RelPrefix marks attributes that encode links to other entities
	// (rel.parent, rel.target, ...). The Relationship transform keeps these
	// so traversal queries survive compression.
	RelPrefix = "rel."
)

// ActivityRecord is one observed event, or the summary of several once
// aggregated. EntityRef, OccurredAt and Seq are immutable after ingestion
// and together identify the record across tiers.
type ActivityRecord struct {
	EntityRef   string            `json:"entity_ref"`
	Kind        ActivityKind      `json:"activity_kind"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Seq         uint64            `json:"seq"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Importance  float64           `json:"importance"`
	DetailLevel DetailLevel       `json:"detail_level"`
	SourceCount int               `json:"source_count"`

	// Tier is derived from the store a record was read from, never persisted.
	Tier Tier `json:"tier,omitempty"`

	// BatchID records the consolidation batch that produced this record.
	// Empty for records still at full fidelity in Hot. Duplicates observed
	// across tiers during an in-flight migration share a BatchID.
	BatchID string `json:"batch_id,omitempty"`

	// Resurrected annotates query results for entities whose importance was
	// raised after compression already happened. Never persisted.
	Resurrected bool `json:"resurrected,omitempty"`
}

// Key returns the logical identity of the record, stable across tiers.
// Two records with the same key are the same event, whichever tier they
// are momentarily visible in.
func (r ActivityRecord) Key() string {
	return fmt.Sprintf("%s/%d/%d", r.EntityRef, r.OccurredAt.UnixNano(), r.Seq)
}

// Validate checks the fields ingestion requires.
func (r ActivityRecord) Validate() error {
	if r.EntityRef == "" {
		return errs.New(errs.KindValidation, "entity_ref is required")
	}
	if r.Kind == "" {
		return errs.New(errs.KindValidation, "activity_kind is required")
	}
	if r.OccurredAt.IsZero() {
		return errs.New(errs.KindValidation, "occurred_at is required")
	}
	return nil
}

// CloneAttributes returns a copy of the attribute map, never nil.
func (r ActivityRecord) CloneAttributes() map[string]string {
	out := make(map[string]string, len(r.Attributes))
	for k, v := range r.Attributes {
		out[k] = v
	}
	return out
}
