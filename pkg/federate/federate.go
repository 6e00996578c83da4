// Package federate answers range and entity queries across all tiers.
//
// A query fans out to the four tier stores concurrently and merges results
// into one occurred_at-ordered answer annotated with tier provenance. No
// global lock is taken: the result is a best-effort snapshot that may race
// with an in-flight consolidation batch. During the writing/committing
// window the same logical record can appear in two tiers; the merge
// de-duplicates by record identity.
package federate

import (
	"context"
	"errors"
	"log"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/atticdb/attic/pkg/errs"
	"github.com/atticdb/attic/pkg/record"
	"github.com/atticdb/attic/pkg/storage"
)

// MarkerSource looks up resurrection markers for result annotation.
// Implemented by the feedback sink.
type MarkerSource interface {
	Marker(ctx context.Context, entityRef string) (storage.Marker, bool, error)
}

// Result is one federated answer. Restartable per call, not resumable.
type Result struct {
	Records []record.ActivityRecord `json:"records"`

	// Partial is set when the caller's timeout expired before every tier
	// answered; whatever was gathered is still returned.
	Partial bool `json:"partial"`
}

// Federator fans queries out to all tiers and merges the answers.
type Federator struct {
	tiers   *storage.TierSet
	markers MarkerSource
}

// New creates a federator. markers may be nil to skip resurrection
// annotation.
func New(tiers *storage.TierSet, markers MarkerSource) *Federator {
	return &Federator{tiers: tiers, markers: markers}
}

// Query runs one federated query. The caller bounds it with a context
// deadline; on expiry the partial results gathered so far are returned
// flagged rather than discarded.
func (f *Federator) Query(ctx context.Context, req storage.ScanRequest) (*Result, error) {
	perTier := make([][]record.ActivityRecord, len(record.Tiers))

	g, gctx := errgroup.WithContext(ctx)
	for i, tier := range record.Tiers {
		i, tier := i, tier
		g.Go(func() error {
			recs, err := f.tiers.Store(tier).Scan(gctx, req)
			if err != nil {
				return err
			}
			for j := range recs {
				recs[j].Tier = tier
			}
			perTier[i] = recs
			return nil
		})
	}

	result := &Result{}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			// Timeout: keep the tiers that answered, flag the result.
			result.Partial = true
			log.Printf("federate: %v, returning partial results",
				errs.Wrap(errs.KindQueryTimeout, "query deadline expired", ctx.Err()))
		} else if !errors.Is(err, context.Canceled) {
			return nil, errs.Wrap(errs.KindTransientStore, "tier scan", err)
		}
	}

	merged := mergeTiers(perTier)
	if req.Limit > 0 && len(merged) > req.Limit {
		merged = merged[:req.Limit]
	}
	result.Records = f.annotate(ctx, merged)
	return result, nil
}

// Stats returns per-tier storage statistics. An empty tier means all tiers.
func (f *Federator) Stats(ctx context.Context, tier record.Tier) (map[record.Tier]*storage.Stats, error) {
	tiers := record.Tiers
	if tier != "" {
		tiers = []record.Tier{tier}
	}

	out := make(map[record.Tier]*storage.Stats, len(tiers))
	for _, t := range tiers {
		stats, err := f.tiers.Store(t).Stats(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransientStore, "tier stats", err)
		}
		out[t] = stats
	}
	return out, nil
}

// mergeTiers flattens per-tier results into occurred_at order, de-duplicating
// records caught mid-migration. Of two copies of the same record the more
// detailed one wins; at equal detail the hotter tier wins.
func mergeTiers(perTier [][]record.ActivityRecord) []record.ActivityRecord {
	var merged []record.ActivityRecord
	seen := make(map[string]int)

	for _, recs := range perTier {
		for _, r := range recs {
			key := r.Key()
			if idx, dup := seen[key]; dup {
				if betterCopy(r, merged[idx]) {
					merged[idx] = r
				}
				continue
			}
			seen[key] = len(merged)
			merged = append(merged, r)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		return record.Before(merged[i], merged[j])
	})
	return merged
}

// betterCopy reports whether a should replace b for the same logical record.
func betterCopy(a, b record.ActivityRecord) bool {
	if a.DetailLevel != b.DetailLevel {
		return b.DetailLevel.AtMost(a.DetailLevel)
	}
	return tierRank(a.Tier) < tierRank(b.Tier)
}

func tierRank(t record.Tier) int {
	for i, tier := range record.Tiers {
		if tier == t {
			return i
		}
	}
	return len(record.Tiers)
}

// annotate flags records whose entity has a resurrection marker. Lookup
// failures only lose the annotation, never the result.
func (f *Federator) annotate(ctx context.Context, recs []record.ActivityRecord) []record.ActivityRecord {
	if f.markers == nil || len(recs) == 0 {
		return recs
	}

	elevated := make(map[string]bool)
	for _, r := range recs {
		if _, checked := elevated[r.EntityRef]; checked {
			continue
		}
		_, ok, err := f.markers.Marker(ctx, r.EntityRef)
		if err != nil {
			log.Printf("federate: marker lookup for %s: %v", r.EntityRef, err)
			ok = false
		}
		elevated[r.EntityRef] = ok
	}

	for i := range recs {
		if elevated[recs[i].EntityRef] {
			recs[i].Resurrected = true
		}
	}
	return recs
}
