// Package config loads process configuration from the environment. An
// optional .env file is honored for local development; real deployments
// inject variables directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/cumulusvec/cumulus/model"
)

// Config is everything the daemon needs to start.
type Config struct {
	// Object store connection.
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// Bucket is the underlying object-store bucket; Prefix namespaces all
	// keys within it (default "vectors/").
	Bucket string
	Prefix string

	// HTTP listen address.
	ListenAddr string

	// Ingest.
	SliceFormat model.SliceFormat
	MaxBatch    int

	// Indexer.
	SMax            int
	MinBuildVectors int
	BuildInterval   time.Duration
	SliceRetention  time.Duration
	LeaseTTL        time.Duration

	// Query.
	CacheBytes   int64
	AllowPartial bool
}

// Load reads configuration from the environment, applying defaults. A .env
// file in the working directory is merged in when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Endpoint:        os.Getenv("CUMULUS_ENDPOINT"),
		AccessKey:       os.Getenv("CUMULUS_ACCESS_KEY"),
		SecretKey:       os.Getenv("CUMULUS_SECRET_KEY"),
		Region:          envOr("CUMULUS_REGION", "us-east-1"),
		Bucket:          os.Getenv("CUMULUS_BUCKET"),
		Prefix:          envOr("CUMULUS_PREFIX", "vectors/"),
		ListenAddr:      envOr("CUMULUS_LISTEN", ":8080"),
		UseSSL:          envBool("CUMULUS_USE_SSL", false),
		MaxBatch:        envInt("CUMULUS_MAX_BATCH", 10_000),
		SMax:            envInt("CUMULUS_SHARD_MAX_VECTORS", 10_000),
		MinBuildVectors: envInt("CUMULUS_MIN_BUILD_VECTORS", 10_000),
		BuildInterval:   envDuration("CUMULUS_BUILD_INTERVAL", 10*time.Second),
		SliceRetention:  envDuration("CUMULUS_SLICE_RETENTION", time.Hour),
		LeaseTTL:        envDuration("CUMULUS_LEASE_TTL", 30*time.Second),
		CacheBytes:      int64(envInt("CUMULUS_CACHE_BYTES", 256<<20)),
		AllowPartial:    envBool("CUMULUS_ALLOW_PARTIAL", false),
	}

	format, err := model.ParseSliceFormat(os.Getenv("SLICE_FORMAT"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.SliceFormat = format

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("config: CUMULUS_ENDPOINT is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("config: CUMULUS_BUCKET is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
