// Package cache provides Redis-based caching for resolved elevations.
// Terrain changes on geological timescales, so point results cache for a
// week; the cache is optional and every caller tolerates its absence.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// PointTTL is how long a resolved point elevation stays cached.
const PointTTL = 7 * 24 * time.Hour

// Cache wraps the Redis client for elevation results.
type Cache struct {
	client *redis.Client
}

// PointEntry is a cached point resolution. Null elevations cache too: "no
// data here" is as expensive to recompute as a hit.
type PointEntry struct {
	ElevationM *float64  `json:"elevation_m"`
	SourceID   string    `json:"dem_source_used"`
	Message    string    `json:"message,omitempty"`
	CachedAt   time.Time `json:"cached_at"`
}

// New creates a Redis cache client from REDIS_URL.
func New() (*Cache, error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("cache connection established", "host", opt.Addr)
	return &Cache{client: client}, nil
}

// NewWithClient wraps an existing client (tests).
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Client returns the underlying Redis client for components that share the
// connection (quota counters).
func (c *Cache) Client() *redis.Client {
	return c.client
}

// pointKey rounds to 6 decimal places (~11cm), matching the selector's
// coalescing key.
func pointKey(lat, lon float64) string {
	return fmt.Sprintf("elev:%.6f:%.6f", lat, lon)
}

// GetPoint retrieves a cached point resolution. A nil entry with nil error
// is a cache miss.
func (c *Cache) GetPoint(ctx context.Context, lat, lon float64) (*PointEntry, error) {
	key := pointKey(lat, lon)
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("cache get error", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get cached elevation: %w", err)
	}

	var entry PointEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached elevation: %w", err)
	}
	slog.Debug("cache hit", "key", key, "cached_at", entry.CachedAt.Format(time.RFC3339))
	return &entry, nil
}

// SetPoint caches a point resolution.
func (c *Cache) SetPoint(ctx context.Context, lat, lon float64, entry *PointEntry) error {
	key := pointKey(lat, lon)
	entry.CachedAt = time.Now()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, key, data, PointTTL).Err(); err != nil {
		slog.Error("cache set error", "key", key, "error", err)
		return err
	}
	return nil
}

// FlushPoints removes every cached elevation. Used after an index rotation.
func (c *Cache) FlushPoints(ctx context.Context) error {
	var cursor uint64
	var deleted int64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, "elev:*", 1000).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	slog.Info("elevation cache flushed", "deleted", deleted)
	return nil
}
