package record

import (
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// SeqAllocator hands out sequence numbers used to break occurred_at ties.
// Sequence numbers only need to be unique per (entity, timestamp), so a
// process-local counter is sufficient.
type SeqAllocator struct {
	n atomic.Uint64
}

// Next returns the next sequence number.
func (a *SeqAllocator) Next() uint64 {
	return a.n.Add(1)
}

// SeqForDedup derives a deterministic sequence number from a caller-supplied
// dedup key. Resubmitting the same record with the same dedup key lands on
// the same storage key, making ingestion an idempotent upsert.
func SeqForDedup(dedupKey string) uint64 {
	return xxhash.Sum64String(dedupKey)
}

// Before orders two records by (occurred_at, entity_ref, seq). This is the
// ordering every query result observes, within and across tiers.
func Before(a, b ActivityRecord) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	if a.EntityRef != b.EntityRef {
		return a.EntityRef < b.EntityRef
	}
	return a.Seq < b.Seq
}

// WindowStart rounds a timestamp down to the start of its aggregation window.
func WindowStart(t time.Time, window time.Duration) time.Time {
	return t.Truncate(window)
}
