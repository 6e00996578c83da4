package consolidate

import (
	"fmt"
	"sync"
	"time"

	"github.com/atticdb/attic/pkg/record"
)

// State names one step of a consolidation batch. A batch walks
// Selecting → Scoring → Grouping → Writing → Committing → Done;
// Failed is reachable from any state before Committing.
type State string

const (
	StateSelecting  State = "selecting"
	StateScoring    State = "scoring"
	StateGrouping   State = "grouping"
	StateWriting    State = "writing"
	StateCommitting State = "committing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// BatchReport summarizes one consolidation run. Errors are recorded here and
// logged, never silently dropped.
type BatchReport struct {
	BatchID    string      `json:"batch_id"`
	SourceTier record.Tier `json:"source_tier"`
	TargetTier record.Tier `json:"target_tier"`
	State      State       `json:"state"`
	Scanned    int         `json:"scanned"`
	Migrated   int         `json:"migrated"`
	Aggregated int         `json:"aggregated"`
	Failed     int         `json:"failed"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Error      string      `json:"error,omitempty"`
}

// Pair names a tier pair for lock keys and logs, e.g. "hot->warm".
func Pair(source record.Tier) string {
	return fmt.Sprintf("%s->%s", source, source.Next())
}

// PairLocks is the advisory lock set keyed on tier pairs. Pairs may
// consolidate concurrently with each other, but a pair has at most one
// in-flight batch.
type PairLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewPairLocks creates an empty lock set.
func NewPairLocks() *PairLocks {
	return &PairLocks{held: make(map[string]bool)}
}

// TryLock acquires the pair's lock if free. Non-blocking.
func (l *PairLocks) TryLock(pair string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[pair] {
		return false
	}
	l.held[pair] = true
	return true
}

// Unlock releases the pair's lock.
func (l *PairLocks) Unlock(pair string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, pair)
}
