package consolidate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atticdb/attic/pkg/aggregate"
	"github.com/atticdb/attic/pkg/compress"
	"github.com/atticdb/attic/pkg/errs"
	"github.com/atticdb/attic/pkg/record"
	"github.com/atticdb/attic/pkg/score"
	"github.com/atticdb/attic/pkg/storage"
	"github.com/atticdb/attic/pkg/storage/memory"
)

func testDescriptors() []storage.TierDescriptor {
	return []storage.TierDescriptor{
		{Tier: record.TierHot, RetentionHorizon: 7 * 24 * time.Hour, MinDetail: record.DetailFull},
		{Tier: record.TierWarm, RetentionHorizon: 30 * 24 * time.Hour, MinDetail: record.DetailCore},
		{Tier: record.TierCool, RetentionHorizon: 180 * 24 * time.Hour, MinDetail: record.DetailRelationship},
		{Tier: record.TierGlacial, MinDetail: record.DetailMinimal},
	}
}

func testTiers(t *testing.T) *storage.TierSet {
	t.Helper()
	stores := map[record.Tier]storage.Store{
		record.TierHot:     memory.New(),
		record.TierWarm:    memory.New(),
		record.TierCool:    memory.New(),
		record.TierGlacial: memory.New(),
	}
	tiers, err := storage.NewTierSet(stores, testDescriptors())
	if err != nil {
		t.Fatalf("NewTierSet: %v", err)
	}
	return tiers
}

func testConsolidator(cfg Config, tiers *storage.TierSet) *Consolidator {
	scorer := score.New(score.DefaultConfig(), nil)
	return New(cfg, tiers, scorer, compress.DefaultThresholds(), aggregate.New(aggregate.DefaultConfig()))
}

func oldRecord(entity string, kind record.ActivityKind, age time.Duration, seq uint64) record.ActivityRecord {
	return record.ActivityRecord{
		EntityRef:   entity,
		Kind:        kind,
		OccurredAt:  time.Now().Add(-age).UTC(),
		Seq:         seq,
		DetailLevel: record.DetailFull,
		SourceCount: 1,
		Attributes: map[string]string{
			record.AttrPath: "/srv/" + entity,
			"payload":       "verbose",
		},
	}
}

func mustScan(t *testing.T, s storage.Store) []record.ActivityRecord {
	t.Helper()
	recs, err := s.Scan(context.Background(), storage.ScanRequest{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return recs
}

func TestRunMigratesAndCommits(t *testing.T) {
	tiers := testTiers(t)
	cons := testConsolidator(DefaultConfig(), tiers)
	ctx := context.Background()

	hot := tiers.Store(record.TierHot)

	// A burst of five modify events in one window merges into a summary; a
	// lone event on another entity migrates untouched; a fresh record stays.
	var sources []record.ActivityRecord
	burstAt := 60 * 24 * time.Hour
	for i := uint64(1); i <= 5; i++ {
		r := oldRecord("file:burst", record.KindModify, burstAt, i)
		r.OccurredAt = r.OccurredAt.Truncate(time.Hour).Add(time.Duration(i) * time.Second)
		sources = append(sources, r)
	}
	sources = append(sources, oldRecord("file:lone", record.KindCreate, 40*24*time.Hour, 10))
	fresh := oldRecord("file:fresh", record.KindCreate, time.Hour, 11)
	sources = append(sources, fresh)
	if err := hot.Put(ctx, sources); err != nil {
		t.Fatalf("seed: %v", err)
	}

	report, err := cons.Run(ctx, record.TierHot, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.State != StateDone {
		t.Errorf("state = %v, want done", report.State)
	}
	if report.Scanned != 6 {
		t.Errorf("scanned = %d, want 6", report.Scanned)
	}
	if report.Migrated != 2 {
		t.Errorf("migrated = %d, want 2 (summary + lone)", report.Migrated)
	}
	if report.Aggregated != 1 {
		t.Errorf("aggregated = %d, want 1", report.Aggregated)
	}

	// Fresh record survives in hot; everything older is gone.
	remaining := mustScan(t, hot)
	if len(remaining) != 1 || remaining[0].EntityRef != "file:fresh" {
		t.Fatalf("hot after commit = %+v", remaining)
	}

	warm := mustScan(t, tiers.Store(record.TierWarm))
	if len(warm) != 2 {
		t.Fatalf("warm has %d records, want 2", len(warm))
	}
	for _, r := range warm {
		if r.BatchID != report.BatchID {
			t.Errorf("record %s missing batch id", r.Key())
		}
		// Warm stores at least core detail, and these low scores earn no more.
		if r.DetailLevel != record.DetailCore {
			t.Errorf("record %s detail = %v, want core", r.Key(), r.DetailLevel)
		}
		if _, ok := r.Attributes["payload"]; ok {
			t.Errorf("record %s kept verbose payload past compression", r.Key())
		}
	}

	var summary *record.ActivityRecord
	for i := range warm {
		if warm[i].EntityRef == "file:burst" {
			summary = &warm[i]
		}
	}
	if summary == nil {
		t.Fatal("no summary for file:burst in warm")
	}
	if summary.SourceCount != 5 {
		t.Errorf("summary source_count = %d, want 5", summary.SourceCount)
	}

	journals, _ := tiers.Store(record.TierWarm).ListJournals(ctx)
	if len(journals) != 0 {
		t.Errorf("journal not cleaned up after commit: %d left", len(journals))
	}
}

func TestRunEmptySource(t *testing.T) {
	tiers := testTiers(t)
	cons := testConsolidator(DefaultConfig(), tiers)

	report, err := cons.Run(context.Background(), record.TierHot, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.State != StateDone || report.Scanned != 0 || report.Migrated != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestRunRejectsLastTier(t *testing.T) {
	tiers := testTiers(t)
	cons := testConsolidator(DefaultConfig(), tiers)

	_, err := cons.Run(context.Background(), record.TierGlacial, time.Hour)
	if !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestRunPairAlreadyLocked(t *testing.T) {
	tiers := testTiers(t)
	cons := testConsolidator(DefaultConfig(), tiers)

	pair := Pair(record.TierHot)
	if !cons.locks.TryLock(pair) {
		t.Fatal("could not take pair lock")
	}
	defer cons.locks.Unlock(pair)

	_, err := cons.Run(context.Background(), record.TierHot, time.Hour)
	if !errs.IsKind(err, errs.KindConsolidationAborted) {
		t.Errorf("err = %v, want consolidation aborted", err)
	}

	// Other pairs stay unaffected by hot->warm being busy.
	if _, err := cons.Run(context.Background(), record.TierWarm, time.Hour); err != nil {
		t.Errorf("warm->cool run failed under hot->warm lock: %v", err)
	}
}

func TestRunBudgetExhaustedLeavesSourceUntouched(t *testing.T) {
	tiers := testTiers(t)
	cons := testConsolidator(Config{Budget: time.Nanosecond}, tiers)
	ctx := context.Background()

	hot := tiers.Store(record.TierHot)
	seed := []record.ActivityRecord{oldRecord("file:a", record.KindModify, 30*24*time.Hour, 1)}
	if err := hot.Put(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	report, err := cons.Run(ctx, record.TierHot, 7*24*time.Hour)
	if !errs.IsKind(err, errs.KindConsolidationAborted) {
		t.Fatalf("err = %v, want consolidation aborted", err)
	}
	if report.State != StateFailed || report.Migrated != 0 {
		t.Errorf("report = %+v", report)
	}

	if got := mustScan(t, hot); len(got) != 1 {
		t.Errorf("source tier modified by aborted batch: %d records", len(got))
	}
	if got := mustScan(t, tiers.Store(record.TierWarm)); len(got) != 0 {
		t.Errorf("target tier modified by aborted batch: %d records", len(got))
	}
	journals, _ := tiers.Store(record.TierWarm).ListJournals(ctx)
	if len(journals) != 0 {
		t.Errorf("aborted batch left a journal")
	}
}

// failingStore wraps a Store and fails record writes.
type failingStore struct {
	storage.Store
}

func (f *failingStore) Put(ctx context.Context, recs []record.ActivityRecord) error {
	return errors.New("disk full")
}

func TestRunTargetWriteFailure(t *testing.T) {
	stores := map[record.Tier]storage.Store{
		record.TierHot:     memory.New(),
		record.TierWarm:    &failingStore{Store: memory.New()},
		record.TierCool:    memory.New(),
		record.TierGlacial: memory.New(),
	}
	tiers, err := storage.NewTierSet(stores, testDescriptors())
	if err != nil {
		t.Fatalf("NewTierSet: %v", err)
	}
	cons := testConsolidator(DefaultConfig(), tiers)
	ctx := context.Background()

	hot := tiers.Store(record.TierHot)
	if err := hot.Put(ctx, []record.ActivityRecord{oldRecord("file:a", record.KindModify, 30*24*time.Hour, 1)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	report, err := cons.Run(ctx, record.TierHot, 7*24*time.Hour)
	if !errs.IsKind(err, errs.KindConsolidationAborted) {
		t.Fatalf("err = %v, want consolidation aborted", err)
	}
	if report.State != StateFailed {
		t.Errorf("state = %v", report.State)
	}

	if got := mustScan(t, hot); len(got) != 1 {
		t.Errorf("source modified after failed target write")
	}
	// The journal written before the failed put must not survive, or
	// recovery would replay a batch that never wrote.
	journals, _ := tiers.Store(record.TierWarm).ListJournals(ctx)
	if len(journals) != 0 {
		t.Errorf("stale journal left after failed write")
	}
}

func TestRecoverFinishesInterruptedBatch(t *testing.T) {
	// Simulate a crash between writing and committing: targets and journal
	// are in the target store, sources still in the source store.
	tiers := testTiers(t)
	cons := testConsolidator(DefaultConfig(), tiers)
	ctx := context.Background()

	source := oldRecord("file:a", record.KindModify, 30*24*time.Hour, 1)
	target := source
	target.DetailLevel = record.DetailCore
	target.BatchID = "batch-crashed"
	target.Attributes = source.CloneAttributes()
	delete(target.Attributes, "payload")

	hot := tiers.Store(record.TierHot)
	warm := tiers.Store(record.TierWarm)
	if err := hot.Put(ctx, []record.ActivityRecord{source}); err != nil {
		t.Fatalf("seed hot: %v", err)
	}
	if err := warm.Put(ctx, []record.ActivityRecord{target}); err != nil {
		t.Fatalf("seed warm: %v", err)
	}
	journal := storage.Journal{
		BatchID:    "batch-crashed",
		SourceTier: record.TierHot,
		TargetTier: record.TierWarm,
		Targets:    []record.ActivityRecord{target},
		Sources:    []record.ActivityRecord{source},
		StartedAt:  time.Now().Add(-time.Minute),
	}
	if err := warm.PutJournal(ctx, journal); err != nil {
		t.Fatalf("seed journal: %v", err)
	}

	if err := cons.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if got := mustScan(t, hot); len(got) != 0 {
		t.Errorf("source record survived recovery: %+v", got)
	}
	got := mustScan(t, warm)
	if len(got) != 1 || got[0].DetailLevel != record.DetailCore {
		t.Fatalf("warm after recovery = %+v", got)
	}
	journals, _ := warm.ListJournals(ctx)
	if len(journals) != 0 {
		t.Errorf("journal survived recovery")
	}

	// Recovery is idempotent; running it again changes nothing.
	if err := cons.Recover(ctx); err != nil {
		t.Fatalf("second Recover: %v", err)
	}
	if got := mustScan(t, warm); len(got) != 1 {
		t.Errorf("second recovery changed warm: %d records", len(got))
	}
}

func TestRunMergedBurstKeepsPeakImportance(t *testing.T) {
	// Three modify events in one window merge into one summary whose
	// importance is the maximum member score, and whose detail comes from
	// the configured threshold table: a score equal to the Full boundary
	// selects Core, not Full.
	tiers := testTiers(t)
	scoreCfg := score.Config{
		RecencyCap:      0, // isolate the kind factor
		RecencyHalfLife: time.Hour,
		KindWeights:     map[record.ActivityKind]float64{record.KindModify: 0.9},
		KindCap:         0.9,
	}
	scorer := score.New(scoreCfg, nil)
	thresholds := compress.Thresholds{Full: 0.9, Core: 0.5, Relationship: 0.3}
	cons := New(DefaultConfig(), tiers, scorer, thresholds, aggregate.New(aggregate.DefaultConfig()))
	ctx := context.Background()

	base := time.Now().Add(-30 * 24 * time.Hour).Truncate(time.Hour)
	var recs []record.ActivityRecord
	for i := uint64(1); i <= 3; i++ {
		r := oldRecord("file:burst", record.KindModify, 0, i)
		r.OccurredAt = base.Add(time.Duration(i) * time.Second)
		recs = append(recs, r)
	}
	if err := tiers.Store(record.TierHot).Put(ctx, recs); err != nil {
		t.Fatalf("seed: %v", err)
	}

	report, err := cons.Run(ctx, record.TierHot, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Migrated != 1 || report.Aggregated != 1 {
		t.Fatalf("report = %+v", report)
	}

	warm := mustScan(t, tiers.Store(record.TierWarm))
	if len(warm) != 1 {
		t.Fatalf("warm has %d records, want 1", len(warm))
	}
	summary := warm[0]
	if summary.SourceCount != 3 {
		t.Errorf("source_count = %d, want 3", summary.SourceCount)
	}
	if summary.Importance != 0.9 {
		t.Errorf("importance = %v, want peak member score 0.9", summary.Importance)
	}
	if summary.DetailLevel != record.DetailCore {
		t.Errorf("detail = %v, want core (0.9 is not above the full boundary)", summary.DetailLevel)
	}
	if got := mustScan(t, tiers.Store(record.TierHot)); len(got) != 0 {
		t.Errorf("hot not emptied: %d records", len(got))
	}
}

func TestExpireGlacial(t *testing.T) {
	tiers := testTiers(t)
	cons := testConsolidator(DefaultConfig(), tiers)
	ctx := context.Background()

	glacial := tiers.Store(record.TierGlacial)
	old := oldRecord("file:ancient", record.KindCreate, 400*24*time.Hour, 1)
	kept := oldRecord("file:recent", record.KindCreate, 24*time.Hour, 2)
	if err := glacial.Put(ctx, []record.ActivityRecord{old, kept}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := cons.ExpireGlacial(ctx, 365*24*time.Hour); err != nil {
		t.Fatalf("ExpireGlacial: %v", err)
	}

	got := mustScan(t, glacial)
	if len(got) != 1 || got[0].EntityRef != "file:recent" {
		t.Errorf("glacial after expiry = %+v", got)
	}
}
