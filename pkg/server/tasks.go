package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/atticdb/attic/pkg/config"
	"github.com/atticdb/attic/pkg/consolidate"
	"github.com/atticdb/attic/pkg/record"
	"github.com/atticdb/attic/pkg/server/monitor"
	"github.com/atticdb/attic/pkg/storage"
	"github.com/atticdb/attic/pkg/storage/badger"
)

// RunConsolidation runs the consolidation schedule periodically. Each cycle
// walks the tier pairs hottest first, so records can cascade through the
// tiers across successive cycles but never skip one within a cycle.
func RunConsolidation(cfg config.Config, cons *consolidate.Consolidator, monitors *monitor.MonitorSet, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(config.ConsolidationInterval)
	defer ticker.Stop()

	// Run one pair with retry and exponential backoff
	runWithRetry := func(ctx context.Context, source record.Tier, age time.Duration) {
		pair := consolidate.Pair(source)
		cm := monitors.For(pair)
		maxRetries := 3
		baseDelay := 30 * time.Second

		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				delay := baseDelay * time.Duration(1<<(attempt-1)) // 30s, 60s, 120s
				log.Printf("Retrying %s consolidation in %v (attempt %d/%d)...", pair, delay, attempt+1, maxRetries+1)
				select {
				case <-time.After(delay):
				case <-stop:
					return
				}
			}

			start := time.Now()
			report, err := cons.Run(ctx, source, age)

			if err == nil {
				cm.RecordSuccess()
				log.Printf("%s consolidation completed in %v (scanned=%d migrated=%d aggregated=%d)",
					pair, time.Since(start).Round(time.Millisecond),
					report.Scanned, report.Migrated, report.Aggregated)
				return
			}

			cm.RecordFailure(err)
			log.Printf("%s consolidation failed (attempt %d/%d): %v", pair, attempt+1, maxRetries+1, err)

			status := cm.Status()
			if status.ConsecutiveErrors > 3 {
				log.Printf("ALERT: %s consolidation has been failing! Consecutive errors: %d",
					pair, status.ConsecutiveErrors)
			}
		}

		log.Printf("%s consolidation failed after %d attempts, will retry on next schedule", pair, maxRetries+1)
	}

	runCycle := func(ctx context.Context) {
		for _, source := range record.Tiers {
			if source.Next() == "" {
				break
			}
			desc, ok := cfg.Descriptor(source)
			if !ok || desc.RetentionHorizon <= 0 {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			runWithRetry(ctx, source, desc.RetentionHorizon)
		}
	}

	// Run once on startup (non-blocking)
	go func() {
		log.Println("Running initial consolidation cycle (hot -> warm -> cool -> glacial)...")
		runCycle(context.Background())
	}()

	for {
		select {
		case <-ticker.C:
			log.Println("Scheduled consolidation cycle started...")
			runCycle(context.Background())
		case <-stop:
			log.Println("Stopping consolidation scheduler")
			return
		}
	}
}

// RunGlacialExpiry destroys glacial records past the configured retention.
// Disabled when GlacialRetention is zero; expiry is the only path that
// discards data outright.
func RunGlacialExpiry(cfg config.Config, cons *consolidate.Consolidator, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	if cfg.GlacialRetention <= 0 {
		log.Println("Glacial expiry disabled (no retention limit configured)")
		return
	}

	ticker := time.NewTicker(config.ConsolidationInterval)
	defer ticker.Stop()

	log.Printf("Glacial expiry scheduler started (retention %v)", cfg.GlacialRetention)

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := cons.ExpireGlacial(context.Background(), cfg.GlacialRetention); err != nil {
				log.Printf("Glacial expiry failed: %v", err)
			} else {
				log.Printf("Glacial expiry completed in %v", time.Since(start).Round(time.Millisecond))
			}
		case <-stop:
			log.Println("Stopping glacial expiry scheduler")
			return
		}
	}
}

// RunBadgerGC runs BadgerDB garbage collection periodically on every tier
// store. LSM trees accumulate deleted data in the value log; without GC the
// committed deletes of consolidation never free disk.
func RunBadgerGC(tiers *storage.TierSet, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	log.Printf("BadgerDB GC scheduler started (runs every %v)", config.BadgerGCInterval)

	for {
		select {
		case <-ticker.C:
			for _, tier := range record.Tiers {
				badgerStore, ok := tiers.Store(tier).(*badger.Store)
				if !ok {
					continue
				}

				start := time.Now()
				// One iteration per tick per tier to avoid blocking
				if err := badgerStore.RunGC(config.GCDiscardRatio); err != nil {
					// badger returns an error when no GC was needed
					log.Printf("GC %s completed in %v (no rewrite needed)", tier, time.Since(start).Round(time.Millisecond))
				} else {
					log.Printf("GC %s completed in %v (disk space reclaimed)", tier, time.Since(start).Round(time.Millisecond))
				}
			}
		case <-stop:
			log.Println("Stopping BadgerDB GC scheduler")
			return
		}
	}
}
