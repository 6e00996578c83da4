// Package aggregate groups co-located activity records for consolidation.
//
// Records sharing (entity_ref, activity_kind, time window) merge into one
// summarized record when the group reaches the merge threshold; smaller
// groups migrate record by record.
package aggregate

import (
	"sort"
	"strconv"
	"time"

	"github.com/atticdb/attic/pkg/record"
)

// Config holds aggregation tunables. Defaults are illustrative constants
// from the source design, exposed as configuration.
type Config struct {
	// Window is the sliding bucket size for grouping.
	Window time.Duration `yaml:"window"`

	// MergeThreshold is the minimum group size that merges. Groups below it
	// migrate individually.
	MergeThreshold int `yaml:"merge_threshold"`
}

// DefaultConfig returns the default aggregation configuration.
func DefaultConfig() Config {
	return Config{
		Window:         5 * time.Minute,
		MergeThreshold: 3,
	}
}

// GroupKey identifies one aggregation group. Transient: groups exist only
// while a consolidation batch runs.
type GroupKey struct {
	EntityRef string
	Kind      record.ActivityKind
	Window    time.Time
}

// Aggregator partitions batches and merges eligible groups.
type Aggregator struct {
	cfg Config
}

// New creates an aggregator.
func New(cfg Config) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MergeThreshold <= 0 {
		cfg.MergeThreshold = DefaultConfig().MergeThreshold
	}
	return &Aggregator{cfg: cfg}
}

// Group partitions a batch by (entity_ref, activity_kind, window bucket).
func (a *Aggregator) Group(recs []record.ActivityRecord) map[GroupKey][]record.ActivityRecord {
	groups := make(map[GroupKey][]record.ActivityRecord)
	for _, r := range recs {
		key := GroupKey{
			EntityRef: r.EntityRef,
			Kind:      r.Kind,
			Window:    record.WindowStart(r.OccurredAt, a.cfg.Window),
		}
		groups[key] = append(groups[key], r)
	}
	return groups
}

// Aggregate runs grouping and merging over a batch. Returns the outgoing
// records (merged summaries plus untouched passthroughs, in occurred_at
// order) and the number of summaries produced.
func (a *Aggregator) Aggregate(recs []record.ActivityRecord) ([]record.ActivityRecord, int) {
	groups := a.Group(recs)

	out := make([]record.ActivityRecord, 0, len(recs))
	merged := 0
	for key, members := range groups {
		if len(members) < a.cfg.MergeThreshold {
			out = append(out, members...)
			continue
		}
		out = append(out, a.merge(key, members))
		merged++
	}

	sort.Slice(out, func(i, j int) bool {
		return record.Before(out[i], out[j])
	})
	return out, merged
}

// merge collapses a group into one summarized record. The summary takes the
// earliest occurred_at as the window start, the member count as
// source_count, and the maximum member importance — never the average, so a
// single important event is not diluted by many unimportant ones.
func (a *Aggregator) merge(key GroupKey, members []record.ActivityRecord) record.ActivityRecord {
	sort.Slice(members, func(i, j int) bool {
		return record.Before(members[i], members[j])
	})

	earliest := members[0]
	latest := members[len(members)-1]

	sourceCount := 0
	maxImportance := 0.0
	representative := earliest
	for _, m := range members {
		n := m.SourceCount
		if n < 1 {
			n = 1
		}
		sourceCount += n
		if m.Importance > maxImportance {
			maxImportance = m.Importance
			representative = m
		}
	}

	// Summarized attributes: a representative sample from the most important
	// member, plus the grouping key bounds needed for provenance queries.
	attrs := representative.CloneAttributes()
	attrs[record.AttrWindowStart] = key.Window.UTC().Format(time.RFC3339Nano)
	attrs[record.AttrWindowEnd] = latest.OccurredAt.UTC().Format(time.RFC3339Nano)
	attrs[record.AttrAggKinds] = string(key.Kind)
	attrs["agg_members"] = strconv.Itoa(len(members))

	return record.ActivityRecord{
		EntityRef:   key.EntityRef,
		Kind:        key.Kind,
		OccurredAt:  earliest.OccurredAt,
		Seq:         earliest.Seq,
		Attributes:  attrs,
		Importance:  maxImportance,
		DetailLevel: earliest.DetailLevel,
		SourceCount: sourceCount,
	}
}
