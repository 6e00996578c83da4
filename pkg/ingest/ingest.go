// Package ingest accepts new activity records into the hot tier.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/atticdb/attic/pkg/errs"
	"github.com/atticdb/attic/pkg/record"
	"github.com/atticdb/attic/pkg/score"
	"github.com/atticdb/attic/pkg/storage"
)

// Ingestor validates, sequences and stores incoming records. Every record
// enters at full detail in the hot tier; consolidation is the only path out.
type Ingestor struct {
	hot    storage.Store
	scorer *score.Scorer
	seq    record.SeqAllocator
}

// NewIngestor creates an ingestor writing to the hot tier store.
func NewIngestor(hot storage.Store, scorer *score.Scorer) *Ingestor {
	return &Ingestor{hot: hot, scorer: scorer}
}

// Ingest accepts one record. Returns the stored record's stable key.
//
// Records carrying a dedup_key attribute get a sequence number derived from
// it, so resubmitting the same event is an idempotent upsert rather than a
// duplicate. Records without one get a fresh sequence number.
func (in *Ingestor) Ingest(ctx context.Context, r record.ActivityRecord) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}

	if dedup, ok := r.Attributes[record.AttrDedupKey]; ok && dedup != "" {
		r.Seq = record.SeqForDedup(dedup)
	} else if r.Seq == 0 {
		r.Seq = in.seq.Next()
	}

	r.DetailLevel = record.DetailFull
	if r.SourceCount < 1 {
		r.SourceCount = 1
	}
	r.Tier = ""
	r.Importance = in.scorer.Score(ctx, r, time.Now())

	if err := in.hot.Put(ctx, []record.ActivityRecord{r}); err != nil {
		return "", errs.Wrap(errs.KindTransientStore, "hot tier put", err)
	}
	return r.Key(), nil
}

// IngestBatch accepts many records in one call. All records are validated
// before any is stored, so a batch either fails fast on bad input or stores
// every record.
func (in *Ingestor) IngestBatch(ctx context.Context, recs []record.ActivityRecord) ([]string, error) {
	for i, r := range recs {
		if err := r.Validate(); err != nil {
			return nil, errs.Wrap(errs.KindValidation, fmt.Sprintf("record %d", i), err)
		}
	}

	now := time.Now()
	keys := make([]string, len(recs))
	for i := range recs {
		r := &recs[i]
		if dedup, ok := r.Attributes[record.AttrDedupKey]; ok && dedup != "" {
			r.Seq = record.SeqForDedup(dedup)
		} else if r.Seq == 0 {
			r.Seq = in.seq.Next()
		}
		r.DetailLevel = record.DetailFull
		if r.SourceCount < 1 {
			r.SourceCount = 1
		}
		r.Tier = ""
		r.Importance = in.scorer.Score(ctx, *r, now)
		keys[i] = r.Key()
	}

	if err := in.hot.Put(ctx, recs); err != nil {
		return nil, errs.Wrap(errs.KindTransientStore, "hot tier put", err)
	}
	return keys, nil
}
