// Package config loads service configuration from the environment, with an
// optional .env file for local development. Parse failures are fatal at
// startup; a service running with a half-read configuration is worse than
// one that refuses to start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// APITier holds one external elevation API's parameters.
type APITier struct {
	Endpoint    string
	Key         string
	RPS         float64
	DailyBudget int64
	Timeout     time.Duration
	MaxAttempts int
	CostPerCall float64
}

// Enabled reports whether the tier is configured at all.
func (t APITier) Enabled() bool { return t.Endpoint != "" }

// Config is the full service configuration.
type Config struct {
	Server struct {
		Host        string
		Port        string
		Environment string
	}

	// IndexSource is the unified index location: s3://bucket/key or a
	// local path.
	IndexSource string
	// BucketRegion is the object-storage region for index and rasters.
	BucketRegion string
	// APIKey is the shared edge key; empty disables the check.
	APIKey string

	DatasetCacheSize         int
	MaxConcurrentObjectReads int
	ReadQueueLength          int
	RequestDeadline          time.Duration
	PathParallelism          int
	GridSize                 int

	Performance struct {
		TargetMs float64
		AlertMs  float64
	}

	S3Tier struct {
		Timeout     time.Duration
		MaxAttempts int
	}
	TierGPXZ   APITier
	TierGoogle APITier
}

// Load reads the configuration. A .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.Server.Host = getEnv("HOST", "0.0.0.0")
	cfg.Server.Port = getEnv("PORT", "8080")
	cfg.Server.Environment = getEnv("ENVIRONMENT", "development")

	cfg.IndexSource = os.Getenv("INDEX_SOURCE")
	if cfg.IndexSource == "" {
		return nil, fmt.Errorf("INDEX_SOURCE is required (s3://bucket/key or local path)")
	}
	cfg.BucketRegion = getEnv("BUCKET_REGION", getEnv("AWS_REGION", "ap-southeast-2"))
	cfg.APIKey = os.Getenv("API_KEY")

	var err error
	if cfg.DatasetCacheSize, err = getEnvInt("DATASET_CACHE_SIZE", 16); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentObjectReads, err = getEnvInt("MAX_CONCURRENT_OBJECT_READS", 64); err != nil {
		return nil, err
	}
	if cfg.ReadQueueLength, err = getEnvInt("READ_QUEUE_LENGTH", 256); err != nil {
		return nil, err
	}
	if cfg.RequestDeadline, err = getEnvMillis("REQUEST_DEADLINE_MS", 3000); err != nil {
		return nil, err
	}
	if cfg.PathParallelism, err = getEnvInt("PATH_PARALLELISM", 8); err != nil {
		return nil, err
	}
	if cfg.GridSize, err = getEnvInt("SPATIAL_GRID_SIZE", 50); err != nil {
		return nil, err
	}

	if cfg.Performance.TargetMs, err = getEnvFloat("PERFORMANCE_TARGET_MS", 100); err != nil {
		return nil, err
	}
	if cfg.Performance.AlertMs, err = getEnvFloat("PERFORMANCE_ALERT_MS", 500); err != nil {
		return nil, err
	}

	if cfg.S3Tier.Timeout, err = getEnvMillis("S3_TIER_TIMEOUT_MS", 1500); err != nil {
		return nil, err
	}
	if cfg.S3Tier.MaxAttempts, err = getEnvInt("S3_TIER_MAX_ATTEMPTS", 2); err != nil {
		return nil, err
	}

	if cfg.TierGPXZ, err = loadAPITier("GPXZ", 1000*time.Millisecond, 100, 1, 0.0); err != nil {
		return nil, err
	}
	if cfg.TierGoogle, err = loadAPITier("GOOGLE", 1500*time.Millisecond, 25, 2500, 0.005); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadAPITier(prefix string, defTimeout time.Duration, defRPS float64, defDaily int64, defCost float64) (APITier, error) {
	var t APITier
	var err error
	t.Endpoint = os.Getenv(prefix + "_API_ENDPOINT")
	t.Key = os.Getenv(prefix + "_API_KEY")
	if t.RPS, err = getEnvFloat(prefix+"_API_RPS", defRPS); err != nil {
		return t, err
	}
	if t.DailyBudget, err = getEnvInt64(prefix+"_API_DAILY_LIMIT", defDaily); err != nil {
		return t, err
	}
	if t.Timeout, err = getEnvMillis(prefix+"_API_TIMEOUT_MS", int64(defTimeout/time.Millisecond)); err != nil {
		return t, err
	}
	if t.MaxAttempts, err = getEnvInt(prefix+"_API_MAX_ATTEMPTS", 2); err != nil {
		return t, err
	}
	if t.CostPerCall, err = getEnvFloat(prefix+"_API_COST_PER_CALL", defCost); err != nil {
		return t, err
	}
	return t, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvMillis(key string, fallbackMs int64) (time.Duration, error) {
	ms, err := getEnvInt64(key, fallbackMs)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
