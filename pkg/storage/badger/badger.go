// Package badger implements storage.Store using BadgerDB (LSM tree).
// One Store instance owns one tier's keyspace.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/atticdb/attic/pkg/errs"
	"github.com/atticdb/attic/pkg/record"
	"github.com/atticdb/attic/pkg/storage"
)

// Key prefixes. Records, kind index entries, batch journals and resurrection
// markers share one Badger instance per tier.
const (
	prefixRecord  = 'r'
	prefixKindIdx = 'k'
	prefixJournal = 'j'
	prefixMarker  = 'm'
)

// Store implements storage.Store for one tier.
type Store struct {
	db          *badger.DB
	indexStride int
}

// Config holds BadgerDB configuration for a tier store.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = 48 MB default).
	MaxMemoryMB int64

	// IndexStride controls kind-index density (0 or 1 = index every record).
	IndexStride int
}

// New creates a BadgerDB tier store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Conservative memory bounds: BadgerDB has several unbounded consumers
	// without explicit cache limits.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(1).
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransientStore, "opening badger", err)
	}

	stride := cfg.IndexStride
	if stride < 1 {
		stride = 1
	}
	return &Store{db: db, indexStride: stride}, nil
}

// Put upserts records and their kind index entries.
func (s *Store) Put(ctx context.Context, recs []record.ActivityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for i, r := range recs {
			// Check context periodically on large batches
			if i%100 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			value, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encoding record: %w", err)
			}

			key := recordKey(r.EntityRef, r.OccurredAt, r.Seq)
			if err := txn.Set(key, value); err != nil {
				return fmt.Errorf("writing record: %w", err)
			}

			// Sparse tiers index every Nth record; kind scans there fall
			// back to a filtered full scan.
			if s.indexStride == 1 || r.Seq%uint64(s.indexStride) == 0 {
				if err := txn.Set(kindIndexKey(r.Kind, r.OccurredAt, r.Seq), key); err != nil {
					return fmt.Errorf("writing kind index: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.KindTransientStore, "put batch", err)
	}
	return nil
}

// Scan returns matching records ordered by (occurred_at, entity_ref, seq).
// Entity-scoped scans use the primary key prefix; kind-only scans on fully
// indexed tiers walk the kind index; everything else iterates the record
// range and filters.
func (s *Store) Scan(ctx context.Context, req storage.ScanRequest) ([]record.ActivityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.EntityRef == "" && len(req.Kinds) > 0 && s.indexStride == 1 {
		return s.scanByKind(ctx, req)
	}

	prefix := []byte{prefixRecord}
	if req.EntityRef != "" {
		prefix = entityPrefix(req.EntityRef)
	}

	var results []record.ActivityRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 100

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			err := it.Item().Value(func(val []byte) error {
				var r record.ActivityRecord
				if err := json.Unmarshal(val, &r); err != nil {
					return fmt.Errorf("decoding record: %w", err)
				}
				if req.Matches(r) {
					results = append(results, r)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Wrap(errs.KindTransientStore, "scan", err)
	}

	// Keys order by entity hash before time, so cross-entity scans need an
	// explicit sort to present occurred_at order.
	sort.Slice(results, func(i, j int) bool {
		return record.Before(results[i], results[j])
	})
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// scanByKind serves a kind-scoped scan from the kind index instead of the
// record range. Only fully indexed tiers (stride 1) qualify; sparse tiers go
// through the filtered full scan.
func (s *Store) scanByKind(ctx context.Context, req storage.ScanRequest) ([]record.ActivityRecord, error) {
	var results []record.ActivityRecord
	err := s.db.View(func(txn *badger.Txn) error {
		for _, kind := range req.Kinds {
			if err := scanOneKind(ctx, txn, req, kind, &results); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Wrap(errs.KindTransientStore, "kind scan", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return record.Before(results[i], results[j])
	})
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// scanOneKind walks one kind's index slice, seeking to the start of the time
// range and stopping past its end, and resolves each entry to its record.
func scanOneKind(ctx context.Context, txn *badger.Txn, req storage.ScanRequest, kind record.ActivityKind, results *[]record.ActivityRecord) error {
	prefix := kindPrefix(kind)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchSize = 100

	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if !req.Start.IsZero() {
		seek = kindIndexKey(kind, req.Start, 0)
	}

	var iterCount int
	for it.Seek(seek); it.Valid(); it.Next() {
		iterCount++
		if iterCount%1000 == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		item := it.Item()
		if !req.End.IsZero() {
			ts := int64(binary.BigEndian.Uint64(item.Key()[9:17]))
			if time.Unix(0, ts).After(req.End) {
				break
			}
		}

		var primary []byte
		if err := item.Value(func(val []byte) error {
			primary = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}

		rec, err := txn.Get(primary)
		if err == badger.ErrKeyNotFound {
			// Dangling entry, the record is already gone.
			continue
		}
		if err != nil {
			return err
		}
		err = rec.Value(func(val []byte) error {
			var r record.ActivityRecord
			if err := json.Unmarshal(val, &r); err != nil {
				return fmt.Errorf("decoding record: %w", err)
			}
			if req.Matches(r) {
				*results = append(*results, r)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Delete removes records and their index entries by identity.
func (s *Store) Delete(ctx context.Context, recs []record.ActivityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, r := range recs {
			if err := txn.Delete(recordKey(r.EntityRef, r.OccurredAt, r.Seq)); err != nil {
				return err
			}
			if err := txn.Delete(kindIndexKey(r.Kind, r.OccurredAt, r.Seq)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.KindTransientStore, "delete batch", err)
	}
	return nil
}

// DeleteOlderThan removes all records older than the cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, before time.Time) error {
	old, err := s.Scan(ctx, storage.ScanRequest{End: before.Add(-time.Nanosecond)})
	if err != nil {
		return err
	}
	if len(old) == 0 {
		return nil
	}
	return s.Delete(ctx, old)
}

// PutJournal durably stores a consolidation batch journal.
func (s *Store) PutJournal(ctx context.Context, j storage.Journal) error {
	value, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encoding journal: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(j.BatchID), value)
	})
	if err != nil {
		return errs.Wrap(errs.KindTransientStore, "put journal", err)
	}
	// The journal is the durability barrier between Writing and Committing:
	// it must be on disk before the source tier sees any deletes.
	if err := s.db.Sync(); err != nil {
		return errs.Wrap(errs.KindTransientStore, "sync journal", err)
	}
	return nil
}

// ListJournals returns all pending batch journals, oldest first.
func (s *Store) ListJournals(ctx context.Context) ([]storage.Journal, error) {
	var journals []storage.Journal
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixJournal}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var j storage.Journal
				if err := json.Unmarshal(val, &j); err != nil {
					return fmt.Errorf("decoding journal: %w", err)
				}
				journals = append(journals, j)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindTransientStore, "list journals", err)
	}
	sort.Slice(journals, func(i, j int) bool {
		return journals[i].StartedAt.Before(journals[j].StartedAt)
	})
	return journals, nil
}

// DeleteJournal removes a batch journal once the batch is committed.
func (s *Store) DeleteJournal(ctx context.Context, batchID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(journalKey(batchID))
	})
	if err != nil {
		return errs.Wrap(errs.KindTransientStore, "delete journal", err)
	}
	return nil
}

// PutMarker stores a resurrection marker for an entity.
func (s *Store) PutMarker(ctx context.Context, m storage.Marker) error {
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding marker: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(markerKey(m.EntityRef), value)
	})
	if err != nil {
		return errs.Wrap(errs.KindTransientStore, "put marker", err)
	}
	return nil
}

// GetMarker returns the marker for an entity, if any.
func (s *Store) GetMarker(ctx context.Context, entityRef string) (storage.Marker, bool, error) {
	var m storage.Marker
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(markerKey(entityRef))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if err != nil {
		return storage.Marker{}, false, errs.Wrap(errs.KindTransientStore, "get marker", err)
	}
	return m, found, nil
}

// Stats returns storage statistics for this tier.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	var importanceSum float64

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixRecord}

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			err := it.Item().Value(func(val []byte) error {
				var r record.ActivityRecord
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				stats.RecordCount++
				importanceSum += r.Importance
				if stats.Oldest.IsZero() || r.OccurredAt.Before(stats.Oldest) {
					stats.Oldest = r.OccurredAt
				}
				if stats.Newest.IsZero() || r.OccurredAt.After(stats.Newest) {
					stats.Newest = r.OccurredAt
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindTransientStore, "stats", err)
	}

	if stats.RecordCount > 0 {
		stats.AvgImportance = importanceSum / float64(stats.RecordCount)
	}
	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// Close shuts down BadgerDB cleanly.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: run GC if this fraction of a file can be discarded.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// recordKey builds the primary key: 'r' + entity_hash + occurred_at + seq.
// Big-endian layout keeps keys for one entity sorted by time.
func recordKey(entityRef string, ts time.Time, seq uint64) []byte {
	key := make([]byte, 1+8+8+8)
	key[0] = prefixRecord
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(entityRef))
	binary.BigEndian.PutUint64(key[9:17], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[17:25], seq)
	return key
}

// entityPrefix is the scan prefix covering all of one entity's records.
func entityPrefix(entityRef string) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixRecord
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(entityRef))
	return key
}

// kindPrefix is the index prefix covering one kind's entries.
func kindPrefix(kind record.ActivityKind) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixKindIdx
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(string(kind)))
	return key
}

// kindIndexKey builds the secondary index key: 'k' + kind_hash + ts + seq.
func kindIndexKey(kind record.ActivityKind, ts time.Time, seq uint64) []byte {
	key := make([]byte, 1+8+8+8)
	key[0] = prefixKindIdx
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(string(kind)))
	binary.BigEndian.PutUint64(key[9:17], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[17:25], seq)
	return key
}

func journalKey(batchID string) []byte {
	return append([]byte{prefixJournal}, batchID...)
}

func markerKey(entityRef string) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixMarker
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(entityRef))
	return key
}
