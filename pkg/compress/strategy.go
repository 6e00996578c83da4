// Package compress maps importance scores to detail-preserving transforms.
//
// Transforms only ever remove or summarize attributes, never invent them,
// and applying a lower-detail transform to an already-reduced record is
// always safe: detail decreases monotonically along
// Full > Core > Relationship > Minimal.
package compress

import (
	"strings"

	"github.com/atticdb/attic/pkg/record"
)

// Thresholds is the configurable score-to-strategy table. A score strictly
// greater than a boundary selects the corresponding level.
type Thresholds struct {
	Full         float64 `yaml:"full"`
	Core         float64 `yaml:"core"`
	Relationship float64 `yaml:"relationship"`
}

// DefaultThresholds returns the default selection table:
// >0.8 Full, >0.5 Core, >0.3 Relationship, else Minimal.
func DefaultThresholds() Thresholds {
	return Thresholds{Full: 0.8, Core: 0.5, Relationship: 0.3}
}

// Select maps a score to the detail level worth keeping.
func (t Thresholds) Select(score float64) record.DetailLevel {
	switch {
	case score > t.Full:
		return record.DetailFull
	case score > t.Core:
		return record.DetailCore
	case score > t.Relationship:
		return record.DetailRelationship
	default:
		return record.DetailMinimal
	}
}

// coreAllowed is the fixed allow-list of identifying attributes the Core
// transform retains. Verbose payloads (message bodies, argument lists,
// collector extras) are dropped.
var coreAllowed = map[string]bool{
	record.AttrPath:        true,
	record.AttrProcess:     true,
	record.AttrDeviceID:    true,
	record.AttrSize:        true,
	record.AttrDedupKey:    true,
	record.AttrWindowStart: true,
	record.AttrWindowEnd:   true,
	record.AttrAggKinds:    true,
}

// relationshipAllowed is the smaller identity set the Relationship transform
// keeps alongside link attributes.
var relationshipAllowed = map[string]bool{
	record.AttrPath:        true,
	record.AttrWindowStart: true,
	record.AttrWindowEnd:   true,
}

// minimalAllowed keeps only the time-range bounds; entity, kind and
// source_count live in typed fields and always survive.
var minimalAllowed = map[string]bool{
	record.AttrWindowStart: true,
	record.AttrWindowEnd:   true,
}

// Apply reduces a record to the given detail level. Idempotent: applying a
// level the record already has (or a higher one) never raises detail, and
// never errors. The returned record carries the effective level.
func Apply(r record.ActivityRecord, level record.DetailLevel) record.ActivityRecord {
	// Never re-inflate: if the record is already below the requested level,
	// keep what it has.
	if r.DetailLevel != "" && r.DetailLevel.AtMost(level) {
		return r
	}

	out := r
	out.DetailLevel = level

	switch level {
	case record.DetailFull:
		// Identity transform.
		return out
	case record.DetailCore:
		out.Attributes = filterAttrs(r.Attributes, func(k string) bool {
			return coreAllowed[k] || isLink(k)
		})
	case record.DetailRelationship:
		out.Attributes = filterAttrs(r.Attributes, func(k string) bool {
			return relationshipAllowed[k] || isLink(k)
		})
	case record.DetailMinimal:
		out.Attributes = filterAttrs(r.Attributes, func(k string) bool {
			return minimalAllowed[k]
		})
	}
	return out
}

// isLink reports whether an attribute encodes a link to another entity.
func isLink(key string) bool {
	return strings.HasPrefix(key, record.RelPrefix)
}

func filterAttrs(attrs map[string]string, keep func(string) bool) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string)
	for k, v := range attrs {
		if keep(k) {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Clamp raises the selected level to a tier's configured minimum detail.
// A tier that never stores below Core gets Core even for low scores. The
// clamp applies to the selection only; Apply still never re-inflates a
// record that was already reduced further.
func Clamp(level, minDetail record.DetailLevel) record.DetailLevel {
	if minDetail == "" {
		return level
	}
	if level.AtMost(minDetail) {
		return minDetail
	}
	return level
}
