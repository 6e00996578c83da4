// Package config holds the runtime configuration for atticd.
//
// Every tunable the source design gives as an illustrative constant (score
// weights, strategy thresholds, merge windows, retention horizons) lives
// here as configuration, not as a hard requirement in code.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atticdb/attic/pkg/aggregate"
	"github.com/atticdb/attic/pkg/compress"
	"github.com/atticdb/attic/pkg/consolidate"
	"github.com/atticdb/attic/pkg/feedback"
	"github.com/atticdb/attic/pkg/record"
	"github.com/atticdb/attic/pkg/score"
	"github.com/atticdb/attic/pkg/storage"
)

// Request handling timeouts and limits.
const (
	IngestTimeout      = 5 * time.Second
	QueryTimeout       = 30 * time.Second
	StatsTimeout       = 5 * time.Second
	IngestMaxBatch     = 5000
	QueryDefaultWindow = 24 * time.Hour
	QueryMaxLimit      = 10000
)

// Background task intervals.
const (
	ConsolidationInterval = 1 * time.Hour
	BadgerGCInterval      = 10 * time.Minute
	GCDiscardRatio        = 0.5
)

// WebSocket configuration for the live activity feed.
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSChannelBuffer   = 16
	WSBroadcastBuffer = 256
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Config is the full daemon configuration.
type Config struct {
	Port    string `yaml:"port"`
	DataDir string `yaml:"data_dir"`

	// MaxMemoryMB bounds each tier store's BadgerDB memory use.
	MaxMemoryMB int64 `yaml:"max_memory_mb"`

	Tiers       []storage.TierDescriptor `yaml:"tiers"`
	Score       score.Config             `yaml:"score"`
	Compress    compress.Thresholds      `yaml:"compress"`
	Aggregate   aggregate.Config         `yaml:"aggregate"`
	Consolidate consolidate.Config       `yaml:"consolidate"`
	Feedback    feedback.Config          `yaml:"feedback"`

	// GlacialRetention is the optional terminal expiry: glacial records
	// older than this are destroyed. Zero disables the sweep.
	GlacialRetention time.Duration `yaml:"glacial_retention"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:        "8080",
		DataDir:     "./data/attic",
		MaxMemoryMB: 48,
		Tiers: []storage.TierDescriptor{
			{Tier: record.TierHot, RetentionHorizon: 7 * 24 * time.Hour, MinDetail: record.DetailFull, IndexStride: 1},
			{Tier: record.TierWarm, RetentionHorizon: 30 * 24 * time.Hour, MinDetail: record.DetailCore, IndexStride: 1},
			{Tier: record.TierCool, RetentionHorizon: 180 * 24 * time.Hour, MinDetail: record.DetailRelationship, IndexStride: 4},
			{Tier: record.TierGlacial, MinDetail: record.DetailMinimal, IndexStride: 16},
		},
		Score:            score.DefaultConfig(),
		Compress:         compress.DefaultThresholds(),
		Aggregate:        aggregate.DefaultConfig(),
		Consolidate:      consolidate.DefaultConfig(),
		Feedback:         feedback.DefaultConfig(),
		GlacialRetention: 0,
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by ATTIC_CONFIG, and environment overrides, in that order.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("ATTIC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if dir := os.Getenv("ATTIC_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	cfg.MaxMemoryMB = envInt64("ATTIC_MAX_MEMORY_MB", cfg.MaxMemoryMB)

	return cfg, nil
}

// Descriptor returns the configured descriptor for a tier.
func (c Config) Descriptor(tier record.Tier) (storage.TierDescriptor, bool) {
	for _, d := range c.Tiers {
		if d.Tier == tier {
			return d, true
		}
	}
	return storage.TierDescriptor{}, false
}

// envInt64 gets an int64 from an environment variable or returns the default.
func envInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("config: invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}
