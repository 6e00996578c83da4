// Package server wires the tier stores, engines and HTTP handlers together.
package server

import (
	"log"
	"os"
	"path/filepath"

	"github.com/atticdb/attic/pkg/aggregate"
	"github.com/atticdb/attic/pkg/config"
	"github.com/atticdb/attic/pkg/consolidate"
	"github.com/atticdb/attic/pkg/federate"
	"github.com/atticdb/attic/pkg/feedback"
	"github.com/atticdb/attic/pkg/ingest"
	"github.com/atticdb/attic/pkg/query"
	"github.com/atticdb/attic/pkg/record"
	"github.com/atticdb/attic/pkg/score"
	"github.com/atticdb/attic/pkg/server/monitor"
	"github.com/atticdb/attic/pkg/storage"
	"github.com/atticdb/attic/pkg/storage/badger"
)

// InitializeTiers opens one BadgerDB store per configured tier under the data
// directory.
func InitializeTiers(cfg config.Config) (*storage.TierSet, error) {
	log.Println("Initializing per-tier BadgerDB stores with Snappy compression...")

	stores := make(map[record.Tier]storage.Store, len(cfg.Tiers))
	for _, desc := range cfg.Tiers {
		dir := filepath.Join(cfg.DataDir, string(desc.Tier))
		if err := os.MkdirAll(dir, 0755); err != nil {
			closeAll(stores)
			return nil, err
		}
		store, err := badger.New(badger.Config{
			Path:        dir,
			MaxMemoryMB: cfg.MaxMemoryMB,
			IndexStride: desc.IndexStride,
		})
		if err != nil {
			closeAll(stores)
			return nil, err
		}
		stores[desc.Tier] = store
	}

	tiers, err := storage.NewTierSet(stores, cfg.Tiers)
	if err != nil {
		closeAll(stores)
		return nil, err
	}
	log.Printf("Tier stores initialized (%d tiers under %s)", len(cfg.Tiers), cfg.DataDir)
	return tiers, nil
}

func closeAll(stores map[record.Tier]storage.Store) {
	for _, s := range stores {
		s.Close()
	}
}

// Engines holds the long-lived domain components.
type Engines struct {
	Sink         *feedback.Sink
	Scorer       *score.Scorer
	Consolidator *consolidate.Consolidator
	Federator    *federate.Federator
	Ingestor     *ingest.Ingestor
}

// InitializeEngines builds the scoring, consolidation, federation and feedback
// components on top of the tier stores.
func InitializeEngines(cfg config.Config, tiers *storage.TierSet) *Engines {
	// Markers live in the hot tier store so resurrection survives restarts.
	sink := feedback.NewSink(cfg.Feedback, tiers.Store(record.TierHot))
	scorer := score.New(cfg.Score, sink)
	agg := aggregate.New(cfg.Aggregate)

	cons := consolidate.New(cfg.Consolidate, tiers, scorer, cfg.Compress, agg)
	log.Printf("Consolidation engine ready (runs every %v)", config.ConsolidationInterval)

	fed := federate.New(tiers, sink)
	ing := ingest.NewIngestor(tiers.Store(record.TierHot), scorer)

	return &Engines{
		Sink:         sink,
		Scorer:       scorer,
		Consolidator: cons,
		Federator:    fed,
		Ingestor:     ing,
	}
}

// Handlers holds all HTTP handlers plus the WebSocket hub.
type Handlers struct {
	Ingest   *ingest.Handler
	Query    *query.Handler
	Feedback *feedback.Handler
	Admin    *AdminHandler
	Hub      *ingest.ActivityHub
}

// InitializeHandlers creates and configures all request handlers.
func InitializeHandlers(cfg config.Config, eng *Engines, monitors *monitor.MonitorSet) *Handlers {
	hub := ingest.NewActivityHub()
	log.Println("WebSocket hub created for live activity feed")

	ingestHandler := ingest.NewHandler(eng.Ingestor, hub)
	log.Println("Ingest handler created")

	queryHandler := query.NewHandler(eng.Federator)
	log.Println("Query handler created (federated across tiers)")

	feedbackHandler := feedback.NewHandler(eng.Sink)
	adminHandler := NewAdminHandler(cfg, eng.Consolidator, monitors)

	return &Handlers{
		Ingest:   ingestHandler,
		Query:    queryHandler,
		Feedback: feedbackHandler,
		Admin:    adminHandler,
		Hub:      hub,
	}
}
