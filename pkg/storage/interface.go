package storage

import (
	"context"
	"time"

	"github.com/atticdb/attic/pkg/record"
)

// Store is durable keyed storage for one retention tier.
// Implementations: memory (testing), badger (production).
//
// Records are keyed by (entity_ref, occurred_at, seq). Range scans by
// entity+time and kind+time are both supported. The journal operations back
// crash-safe consolidation: a batch journal written to the target store
// survives a crash between writing and committing, so recovery can re-run
// the commit idempotently.
type Store interface {
	// Put upserts records. Writing the same key twice is a no-op overwrite.
	Put(ctx context.Context, recs []record.ActivityRecord) error

	// Scan returns records matching the request, ordered by
	// (occurred_at, entity_ref, seq).
	Scan(ctx context.Context, req ScanRequest) ([]record.ActivityRecord, error)

	// Delete removes records by identity. Missing keys are not an error.
	Delete(ctx context.Context, recs []record.ActivityRecord) error

	// DeleteOlderThan removes all records with occurred_at before the cutoff.
	// Used only by the glacial retention-expiry sweep.
	DeleteOlderThan(ctx context.Context, before time.Time) error

	// PutJournal durably stores a consolidation batch journal.
	PutJournal(ctx context.Context, j Journal) error

	// ListJournals returns all pending batch journals.
	ListJournals(ctx context.Context) ([]Journal, error)

	// DeleteJournal removes a batch journal once the batch is committed.
	DeleteJournal(ctx context.Context, batchID string) error

	// PutMarker stores a resurrection marker for an entity.
	PutMarker(ctx context.Context, m Marker) error

	// GetMarker returns the marker for an entity, if any.
	GetMarker(ctx context.Context, entityRef string) (Marker, bool, error)

	// Stats returns storage statistics for observability.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the store.
	Close() error
}

// ScanRequest specifies which records to retrieve.
type ScanRequest struct {
	// EntityRef restricts the scan to one entity (optional).
	EntityRef string

	// Kinds restricts the scan to the given activity kinds (optional).
	Kinds []record.ActivityKind

	// Time range. Zero values mean unbounded.
	Start time.Time
	End   time.Time

	// Limit caps the number of results (0 = no limit).
	Limit int
}

// Matches reports whether a record passes the request's filters.
func (req ScanRequest) Matches(r record.ActivityRecord) bool {
	if req.EntityRef != "" && r.EntityRef != req.EntityRef {
		return false
	}
	if !req.Start.IsZero() && r.OccurredAt.Before(req.Start) {
		return false
	}
	if !req.End.IsZero() && r.OccurredAt.After(req.End) {
		return false
	}
	if len(req.Kinds) > 0 {
		found := false
		for _, k := range req.Kinds {
			if r.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Journal is the durable manifest of one in-flight consolidation batch.
// Targets are the records written to this (target) store; Sources identify
// the records that must be deleted from the source tier on commit. The
// journal is self-contained: re-running commit from it needs nothing else.
type Journal struct {
	BatchID    string                  `json:"batch_id"`
	SourceTier record.Tier             `json:"source_tier"`
	TargetTier record.Tier             `json:"target_tier"`
	Targets    []record.ActivityRecord `json:"targets"`
	Sources    []record.ActivityRecord `json:"sources"`
	StartedAt  time.Time               `json:"started_at"`
}

// Marker notes elevated importance for an entity whose records were already
// compressed. Compression is not reversed; the marker biases future
// consolidation of newer records and annotates query results.
type Marker struct {
	EntityRef  string             `json:"entity_ref"`
	Importance float64            `json:"importance"`
	LastTier   record.Tier        `json:"last_tier"`
	LastDetail record.DetailLevel `json:"last_detail"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Stats provides storage health and usage info for one tier.
type Stats struct {
	RecordCount   uint64    `json:"record_count"`
	Oldest        time.Time `json:"oldest"`
	Newest        time.Time `json:"newest"`
	AvgImportance float64   `json:"avg_importance"`
	SizeBytes     uint64    `json:"size_bytes"`
}
