package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/atticdb/attic/pkg/record"
	"github.com/atticdb/attic/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(entity string, kind record.ActivityKind, at time.Time, seq uint64) record.ActivityRecord {
	return record.ActivityRecord{
		EntityRef:   entity,
		Kind:        kind,
		OccurredAt:  at,
		Seq:         seq,
		DetailLevel: record.DetailFull,
		Importance:  0.5,
		Attributes:  map[string]string{record.AttrPath: "/srv/" + entity},
	}
}

func TestPutScanRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	recs := []record.ActivityRecord{
		rec("file:b", record.KindModify, base.Add(time.Hour), 2),
		rec("file:a", record.KindCreate, base, 1),
		rec("file:a", record.KindAccess, base.Add(2*time.Hour), 3),
	}
	if err := s.Put(ctx, recs); err != nil {
		t.Fatalf("Put: %v", err)
	}

	all, err := s.Scan(ctx, storage.ScanRequest{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d records, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if record.Before(all[i], all[i-1]) {
			t.Fatal("scan results out of order")
		}
	}
	// Attributes survive the codec round trip.
	if all[0].Attributes[record.AttrPath] != "/srv/file:a" {
		t.Errorf("attributes lost: %+v", all[0].Attributes)
	}
}

func TestScanByEntityUsesPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	var recs []record.ActivityRecord
	for i := uint64(1); i <= 20; i++ {
		entity := "file:a"
		if i%2 == 0 {
			entity = "file:b"
		}
		recs = append(recs, rec(entity, record.KindModify, base.Add(time.Duration(i)*time.Minute), i))
	}
	if err := s.Put(ctx, recs); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Scan(ctx, storage.ScanRequest{EntityRef: "file:a"})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("got %d records for file:a, want 10", len(got))
	}
	for _, r := range got {
		if r.EntityRef != "file:a" {
			t.Errorf("wrong entity in prefix scan: %s", r.EntityRef)
		}
	}
}

func TestScanTimeRangeAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	var recs []record.ActivityRecord
	for i := uint64(1); i <= 10; i++ {
		recs = append(recs, rec("file:a", record.KindModify, base.Add(time.Duration(i)*time.Hour), i))
	}
	if err := s.Put(ctx, recs); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Scan(ctx, storage.ScanRequest{
		Start: base.Add(3 * time.Hour),
		End:   base.Add(7 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("range scan got %d, want 5", len(got))
	}

	got, err = s.Scan(ctx, storage.ScanRequest{Limit: 4})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("limited scan got %d, want 4", len(got))
	}
	if got[0].Seq != 1 {
		t.Errorf("limit did not keep earliest records")
	}
}

func TestScanByKindUsesIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	mod := rec("file:a", record.KindModify, base, 1)
	acc := rec("file:b", record.KindAccess, base.Add(time.Hour), 2)
	if err := s.Put(ctx, []record.ActivityRecord{mod, acc}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Scan(ctx, storage.ScanRequest{Kinds: []record.ActivityKind{record.KindModify}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 1 || got[0].Kind != record.KindModify {
		t.Fatalf("kind scan = %+v", got)
	}

	// Removing the index entry hides the record from kind scans while the
	// record range still holds it, so the index is the read path.
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(kindIndexKey(mod.Kind, mod.OccurredAt, mod.Seq))
	})
	if err != nil {
		t.Fatalf("dropping index entry: %v", err)
	}

	got, err = s.Scan(ctx, storage.ScanRequest{Kinds: []record.ActivityKind{record.KindModify}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("kind scan ignored the index: %+v", got)
	}
	all, _ := s.Scan(ctx, storage.ScanRequest{})
	if len(all) != 2 {
		t.Errorf("record range lost data: %d records", len(all))
	}
}

func TestScanByKindTimeBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	var recs []record.ActivityRecord
	for i := uint64(1); i <= 10; i++ {
		recs = append(recs, rec("file:a", record.KindModify, base.Add(time.Duration(i)*time.Hour), i))
	}
	recs = append(recs, rec("file:b", record.KindAccess, base.Add(5*time.Hour), 11))
	if err := s.Put(ctx, recs); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Scan(ctx, storage.ScanRequest{
		Kinds: []record.ActivityKind{record.KindModify},
		Start: base.Add(3 * time.Hour),
		End:   base.Add(7 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("bounded kind scan got %d, want 5", len(got))
	}
	for _, r := range got {
		if r.Kind != record.KindModify {
			t.Errorf("wrong kind in index scan: %s", r.Kind)
		}
	}
}

func TestScanByKindSparseStrideFallback(t *testing.T) {
	s, err := New(Config{InMemory: true, IndexStride: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// Only seqs 3 and 6 get index entries; the scan must still see all six.
	var recs []record.ActivityRecord
	for i := uint64(1); i <= 6; i++ {
		recs = append(recs, rec("file:a", record.KindModify, base.Add(time.Duration(i)*time.Minute), i))
	}
	if err := s.Put(ctx, recs); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Scan(ctx, storage.ScanRequest{Kinds: []record.ActivityKind{record.KindModify}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 6 {
		t.Errorf("sparse tier kind scan got %d, want 6", len(got))
	}
}

func TestPutSameKeyOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	r := rec("file:a", record.KindModify, base, 7)
	if err := s.Put(ctx, []record.ActivityRecord{r}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	r.Importance = 0.9
	if err := s.Put(ctx, []record.ActivityRecord{r}); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	got, _ := s.Scan(ctx, storage.ScanRequest{})
	if len(got) != 1 {
		t.Fatalf("duplicate key produced %d records", len(got))
	}
	if got[0].Importance != 0.9 {
		t.Errorf("overwrite lost: importance = %v", got[0].Importance)
	}
}

func TestDeleteAndDeleteOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	old := rec("file:a", record.KindModify, base, 1)
	kept := rec("file:a", record.KindModify, base.Add(48*time.Hour), 2)
	if err := s.Put(ctx, []record.ActivityRecord{old, kept}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.DeleteOlderThan(ctx, base.Add(time.Hour)); err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	got, _ := s.Scan(ctx, storage.ScanRequest{})
	if len(got) != 1 || got[0].Seq != 2 {
		t.Fatalf("after expiry: %+v", got)
	}

	if err := s.Delete(ctx, []record.ActivityRecord{kept}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, []record.ActivityRecord{kept}); err != nil {
		t.Fatalf("Delete of missing key errored: %v", err)
	}
	got, _ = s.Scan(ctx, storage.ScanRequest{})
	if len(got) != 0 {
		t.Errorf("store not empty after deletes")
	}
}

func TestJournalRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	j := storage.Journal{
		BatchID:    "batch-7",
		SourceTier: record.TierHot,
		TargetTier: record.TierWarm,
		Targets:    []record.ActivityRecord{rec("file:a", record.KindModify, base, 1)},
		Sources:    []record.ActivityRecord{rec("file:a", record.KindModify, base, 1)},
		StartedAt:  base,
	}
	if err := s.PutJournal(ctx, j); err != nil {
		t.Fatalf("PutJournal: %v", err)
	}

	got, err := s.ListJournals(ctx)
	if err != nil {
		t.Fatalf("ListJournals: %v", err)
	}
	if len(got) != 1 || got[0].BatchID != "batch-7" || len(got[0].Targets) != 1 {
		t.Fatalf("journals = %+v", got)
	}

	if err := s.DeleteJournal(ctx, "batch-7"); err != nil {
		t.Fatalf("DeleteJournal: %v", err)
	}
	got, _ = s.ListJournals(ctx)
	if len(got) != 0 {
		t.Errorf("journal survived delete")
	}
}

func TestJournalsInvisibleToScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	j := storage.Journal{
		BatchID:   "batch-1",
		Targets:   []record.ActivityRecord{rec("file:a", record.KindModify, base, 1)},
		StartedAt: base,
	}
	if err := s.PutJournal(ctx, j); err != nil {
		t.Fatalf("PutJournal: %v", err)
	}

	got, err := s.Scan(ctx, storage.ScanRequest{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("journal payload leaked into record scan: %+v", got)
	}
}

func TestMarkerRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetMarker(ctx, "file:x"); err != nil || ok {
		t.Fatalf("empty store marker: ok=%v err=%v", ok, err)
	}

	m := storage.Marker{
		EntityRef:  "file:x",
		Importance: 0.15,
		LastTier:   record.TierCool,
		LastDetail: record.DetailRelationship,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.PutMarker(ctx, m); err != nil {
		t.Fatalf("PutMarker: %v", err)
	}
	got, ok, err := s.GetMarker(ctx, "file:x")
	if err != nil || !ok {
		t.Fatalf("GetMarker: ok=%v err=%v", ok, err)
	}
	if got.Importance != 0.15 || got.LastTier != record.TierCool {
		t.Errorf("marker = %+v", got)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	a := rec("file:a", record.KindCreate, base, 1)
	a.Importance = 0.2
	b := rec("file:b", record.KindCreate, base.Add(time.Hour), 2)
	b.Importance = 0.8
	if err := s.Put(ctx, []record.ActivityRecord{a, b}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.RecordCount != 2 {
		t.Errorf("count = %d", stats.RecordCount)
	}
	if stats.AvgImportance != 0.5 {
		t.Errorf("avg importance = %v", stats.AvgImportance)
	}
	if !stats.Oldest.Equal(base) {
		t.Errorf("oldest = %v", stats.Oldest)
	}
}
