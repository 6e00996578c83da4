// Package consolidate migrates aging records between retention tiers.
//
// The crash-safety invariant is write-before-delete: target records and the
// batch journal are durable before any source record is deleted. A crash
// between writing and committing leaves transient duplication across tiers,
// never data loss; recovery re-runs the commit idempotently from the
// journal.
package consolidate

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/atticdb/attic/pkg/aggregate"
	"github.com/atticdb/attic/pkg/compress"
	"github.com/atticdb/attic/pkg/errs"
	"github.com/atticdb/attic/pkg/record"
	"github.com/atticdb/attic/pkg/score"
	"github.com/atticdb/attic/pkg/storage"
)

// Config holds consolidation tunables.
type Config struct {
	// BatchLimit caps how many source records one batch selects.
	BatchLimit int `yaml:"batch_limit"`

	// Budget is the wall-clock limit for one batch. A batch past Writing
	// still reaches Committing for the records already written.
	Budget time.Duration `yaml:"budget"`
}

// DefaultConfig returns the default consolidation configuration.
func DefaultConfig() Config {
	return Config{
		BatchLimit: 10000,
		Budget:     5 * time.Minute,
	}
}

// Consolidator orchestrates migration batches using the scorer, strategy
// selector and aggregator. One Consolidator serves all tier pairs; the
// advisory pair locks serialize batches per pair.
type Consolidator struct {
	cfg      Config
	tiers    *storage.TierSet
	scorer   *score.Scorer
	selector compress.Thresholds
	agg      *aggregate.Aggregator
	locks    *PairLocks
}

// New creates a consolidator.
func New(cfg Config, tiers *storage.TierSet, scorer *score.Scorer, selector compress.Thresholds, agg *aggregate.Aggregator) *Consolidator {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultConfig().BatchLimit
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultConfig().Budget
	}
	return &Consolidator{
		cfg:      cfg,
		tiers:    tiers,
		scorer:   scorer,
		selector: selector,
		agg:      agg,
		locks:    NewPairLocks(),
	}
}

// Run executes one consolidation batch for the given source tier, migrating
// records older than ageThreshold into the next tier. Safe to retry: a
// failed batch leaves the source tier untouched.
func (c *Consolidator) Run(ctx context.Context, source record.Tier, ageThreshold time.Duration) (*BatchReport, error) {
	target := source.Next()
	if target == "" {
		return nil, errs.Newf(errs.KindValidation, "tier %s has no next tier", source)
	}

	pair := Pair(source)
	if !c.locks.TryLock(pair) {
		return nil, errs.Newf(errs.KindConsolidationAborted, "batch already in flight for %s", pair)
	}
	defer c.locks.Unlock(pair)

	report := &BatchReport{
		BatchID:    uuid.NewString(),
		SourceTier: source,
		TargetTier: target,
		StartedAt:  time.Now().UTC(),
	}

	// The budget covers Selecting through Writing. Committing runs under a
	// detached context so records already written always get committed.
	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Budget)
	defer cancel()

	err := c.run(runCtx, ctx, report, ageThreshold)
	report.FinishedAt = time.Now().UTC()
	if err != nil {
		report.Error = err.Error()
		if report.State != StateCommitting {
			// Failed before commit: nothing migrated, source untouched.
			report.State = StateFailed
			report.Failed = report.Scanned
			report.Migrated = 0
		}
		log.Printf("consolidate: %s batch %s failed in state %s: %v", pair, report.BatchID, report.State, err)
		return report, err
	}

	report.State = StateDone
	log.Printf("consolidate: %s batch %s done: scanned=%d migrated=%d aggregated=%d",
		pair, report.BatchID, report.Scanned, report.Migrated, report.Aggregated)
	return report, nil
}

func (c *Consolidator) run(ctx, parent context.Context, report *BatchReport, ageThreshold time.Duration) error {
	sourceStore := c.tiers.Store(report.SourceTier)
	targetStore := c.tiers.Store(report.TargetTier)
	targetDesc := c.tiers.Descriptor(report.TargetTier)

	// Selecting: records older than the tier's retention horizon.
	report.State = StateSelecting
	cutoff := time.Now().Add(-ageThreshold)
	sources, err := sourceStore.Scan(ctx, storage.ScanRequest{
		End:   cutoff,
		Limit: c.cfg.BatchLimit,
	})
	if err != nil {
		return errs.Wrap(errs.KindConsolidationAborted, "selecting", err)
	}
	report.Scanned = len(sources)
	if len(sources) == 0 {
		return nil
	}

	// Scoring: recompute importance so late-arriving feedback counts.
	report.State = StateScoring
	now := time.Now()
	for i := range sources {
		sources[i].Importance = c.scorer.Score(ctx, sources[i], now)
	}

	// Grouping: merge co-located records at or above the merge threshold.
	report.State = StateGrouping
	outgoing, aggregated := c.agg.Aggregate(sources)
	report.Aggregated = aggregated

	// Compression: each outgoing record keeps the detail its score earns,
	// clamped to the target tier's minimum.
	targets := make([]record.ActivityRecord, len(outgoing))
	for i, r := range outgoing {
		level := compress.Clamp(c.selector.Select(r.Importance), targetDesc.MinDetail)
		out := compress.Apply(r, level)
		out.BatchID = report.BatchID
		out.Tier = ""
		targets[i] = out
	}

	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindConsolidationAborted, "budget exceeded before writing", err)
	}

	// Writing: journal first, then the target records. Source records are
	// not yet deleted. The journal is self-contained, so recovery can redo
	// everything from here on.
	report.State = StateWriting
	journal := storage.Journal{
		BatchID:    report.BatchID,
		SourceTier: report.SourceTier,
		TargetTier: report.TargetTier,
		Targets:    targets,
		Sources:    sources,
		StartedAt:  report.StartedAt,
	}
	if err := targetStore.PutJournal(ctx, journal); err != nil {
		return errs.Wrap(errs.KindConsolidationAborted, "writing journal", err)
	}
	if err := targetStore.Put(ctx, targets); err != nil {
		// Source untouched; drop the journal so recovery does not replay a
		// batch that never wrote.
		if delErr := targetStore.DeleteJournal(parent, report.BatchID); delErr != nil {
			log.Printf("consolidate: leaving stale journal %s: %v", report.BatchID, delErr)
		}
		return errs.Wrap(errs.KindConsolidationAborted, "writing targets", err)
	}
	report.Migrated = len(targets)

	// Committing: runs detached from the budget. Deleting sources after the
	// durable target write is the core crash-safety ordering.
	report.State = StateCommitting
	commitCtx := context.WithoutCancel(parent)
	if err := sourceStore.Delete(commitCtx, sources); err != nil {
		return errs.Wrap(errs.KindTransientStore, "committing deletes", err)
	}
	if err := targetStore.DeleteJournal(commitCtx, report.BatchID); err != nil {
		// Harmless: recovery will re-run this commit idempotently.
		log.Printf("consolidate: journal cleanup for %s failed, recovery will retry: %v", report.BatchID, err)
	}
	return nil
}

// Recover re-runs Committing for every pending batch journal. Idempotent:
// target writes overwrite identical keys and source deletes tolerate missing
// records. Called on startup before schedulers begin.
func (c *Consolidator) Recover(ctx context.Context) error {
	for _, tier := range record.Tiers {
		store := c.tiers.Store(tier)
		journals, err := store.ListJournals(ctx)
		if err != nil {
			return errs.Wrap(errs.KindTransientStore, "listing journals", err)
		}
		for _, j := range journals {
			log.Printf("consolidate: recovering batch %s (%s->%s, %d records)",
				j.BatchID, j.SourceTier, j.TargetTier, len(j.Targets))
			if err := store.Put(ctx, j.Targets); err != nil {
				return errs.Wrap(errs.KindTransientStore, "recovery writes", err)
			}
			if err := c.tiers.Store(j.SourceTier).Delete(ctx, j.Sources); err != nil {
				return errs.Wrap(errs.KindTransientStore, "recovery deletes", err)
			}
			if err := store.DeleteJournal(ctx, j.BatchID); err != nil {
				return errs.Wrap(errs.KindTransientStore, "recovery journal cleanup", err)
			}
		}
	}
	return nil
}

// ExpireGlacial removes glacial records older than the retention limit.
// The only terminal transition out of the store; optional and explicit.
func (c *Consolidator) ExpireGlacial(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	if err := c.tiers.Store(record.TierGlacial).DeleteOlderThan(ctx, cutoff); err != nil {
		return errs.Wrap(errs.KindTransientStore, "glacial expiry", err)
	}
	return nil
}
