package record

import (
	"testing"
	"time"

	"github.com/atticdb/attic/pkg/errs"
)

func TestValidate(t *testing.T) {
	valid := ActivityRecord{
		EntityRef:  "file:/etc/hosts",
		Kind:       KindModify,
		OccurredAt: time.Now(),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*ActivityRecord)
	}{
		{"missing entity", func(r *ActivityRecord) { r.EntityRef = "" }},
		{"missing kind", func(r *ActivityRecord) { r.Kind = "" }},
		{"missing timestamp", func(r *ActivityRecord) { r.OccurredAt = time.Time{} }},
	}
	for _, tt := range tests {
		r := valid
		tt.mut(&r)
		err := r.Validate()
		if err == nil {
			t.Errorf("%s: accepted", tt.name)
			continue
		}
		if !errs.IsKind(err, errs.KindValidation) {
			t.Errorf("%s: wrong error kind: %v", tt.name, err)
		}
	}
}

func TestBeforeOrdering(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	earlier := ActivityRecord{EntityRef: "b", OccurredAt: base, Seq: 9}
	later := ActivityRecord{EntityRef: "a", OccurredAt: base.Add(time.Second), Seq: 1}
	if !Before(earlier, later) {
		t.Error("occurred_at should dominate ordering")
	}

	tieA := ActivityRecord{EntityRef: "a", OccurredAt: base, Seq: 9}
	tieB := ActivityRecord{EntityRef: "b", OccurredAt: base, Seq: 1}
	if !Before(tieA, tieB) {
		t.Error("entity_ref should break occurred_at ties")
	}

	seqA := ActivityRecord{EntityRef: "a", OccurredAt: base, Seq: 1}
	seqB := ActivityRecord{EntityRef: "a", OccurredAt: base, Seq: 2}
	if !Before(seqA, seqB) {
		t.Error("seq should break full ties")
	}
}

func TestKeyStableAcrossMutation(t *testing.T) {
	r := ActivityRecord{EntityRef: "file:a", OccurredAt: time.Unix(100, 5), Seq: 3}
	key := r.Key()

	r.Importance = 0.9
	r.DetailLevel = DetailMinimal
	r.Tier = TierGlacial
	if r.Key() != key {
		t.Error("key changed when non-identity fields changed")
	}
}

func TestDetailLevelOrdering(t *testing.T) {
	order := []DetailLevel{DetailMinimal, DetailRelationship, DetailCore, DetailFull}
	for i, lower := range order {
		for _, higher := range order[i:] {
			if !lower.AtMost(higher) {
				t.Errorf("%v should be at most %v", lower, higher)
			}
		}
	}
	if DetailFull.AtMost(DetailCore) {
		t.Error("full is not at most core")
	}
}

func TestTierNext(t *testing.T) {
	tests := []struct {
		tier Tier
		want Tier
	}{
		{TierHot, TierWarm},
		{TierWarm, TierCool},
		{TierCool, TierGlacial},
		{TierGlacial, ""},
	}
	for _, tt := range tests {
		if got := tt.tier.Next(); got != tt.want {
			t.Errorf("%v.Next() = %v, want %v", tt.tier, got, tt.want)
		}
	}
}

func TestSeqForDedupDeterministic(t *testing.T) {
	a := SeqForDedup("collector-1:event-42")
	b := SeqForDedup("collector-1:event-42")
	if a != b {
		t.Error("same dedup key produced different sequence numbers")
	}
	if a == SeqForDedup("collector-1:event-43") {
		t.Error("different dedup keys collided")
	}
}

func TestWindowStart(t *testing.T) {
	at := time.Date(2026, 8, 1, 10, 7, 33, 0, time.UTC)
	got := WindowStart(at, 5*time.Minute)
	want := time.Date(2026, 8, 1, 10, 5, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("WindowStart = %v, want %v", got, want)
	}
}
