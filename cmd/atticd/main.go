package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/atticdb/attic/pkg/config"
	"github.com/atticdb/attic/pkg/server"
	"github.com/atticdb/attic/pkg/server/monitor"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 35 * time.Second
	shutdownTimeout    = 30 * time.Second
)

func main() {
	log.Println("Starting attic server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Configuration: data dir = %s, memory limit = %d MB per tier", cfg.DataDir, cfg.MaxMemoryMB)

	tiers, err := server.InitializeTiers(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize tier stores: %v", err)
	}
	defer tiers.Close()

	monitors := monitor.NewMonitorSet()
	engines := server.InitializeEngines(cfg, tiers)

	// Replay pending batch journals before any scheduler or request can
	// touch the tiers. An interrupted migration finishes here.
	log.Println("Recovering interrupted consolidation batches...")
	if err := engines.Consolidator.Recover(context.Background()); err != nil {
		log.Fatalf("Failed to recover consolidation journals: %v", err)
	}

	handlers := server.InitializeHandlers(cfg, engines, monitors)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		handlers.Hub.Run(ctx)
	}()
	log.Println("WebSocket hub started for live activity feed")

	stopConsolidation := make(chan bool)
	wg.Add(1)
	go server.RunConsolidation(cfg, engines.Consolidator, monitors, stopConsolidation, &wg)

	stopExpiry := make(chan bool)
	wg.Add(1)
	go server.RunGlacialExpiry(cfg, engines.Consolidator, stopExpiry, &wg)

	stopGC := make(chan bool)
	wg.Add(1)
	go server.RunBadgerGC(tiers, stopGC, &wg)

	router := mux.NewRouter()

	// CORS middleware for API access
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/ingest", handlers.Ingest.HandleIngest).Methods("POST")
	api.HandleFunc("/query", handlers.Query.HandleQuery).Methods("GET")
	api.HandleFunc("/stats", handlers.Query.HandleStats).Methods("GET")
	api.HandleFunc("/consolidate", handlers.Admin.HandleConsolidate).Methods("POST")
	api.HandleFunc("/feedback/hit", handlers.Feedback.HandleHit).Methods("POST")
	api.HandleFunc("/feedback/ref", handlers.Feedback.HandleRef).Methods("POST")
	api.HandleFunc("/health", handlers.Admin.HandleHealth).Methods("GET")
	api.HandleFunc("/ws", handlers.Ingest.HandleWebSocket(handlers.Hub)).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%s", cfg.Port)
		log.Println("API endpoints:")
		log.Println("   POST /v1/ingest        - Ingest activity records")
		log.Println("   GET  /v1/query         - Federated query across tiers")
		log.Println("   GET  /v1/stats         - Per-tier storage statistics")
		log.Println("   POST /v1/consolidate   - Trigger a consolidation batch")
		log.Println("   POST /v1/feedback/hit  - Record retrieval feedback")
		log.Println("   GET  /v1/ws            - Live activity feed")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received...")

	// Cancel context before wg.Wait() or the hub goroutine never exits
	cancel()
	close(stopConsolidation)
	close(stopExpiry)
	close(stopGC)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	log.Println("Gracefully shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown warning: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("attic server exited cleanly")
}
