package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/medviz/biostream/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// latestEntry wraps a cached data point with cache metadata.
type latestEntry struct {
	Point    models.BiometricDataPoint `json:"point"`
	CachedAt time.Time                 `json:"cached_at"`
}

// LatestCacheStats tracks cache performance.
type LatestCacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
}

// LatestPointCache keeps the most recent reading per stream in Redis so a
// reconnecting dashboard can render the last known value before live data
// resumes. All methods are best-effort: a Redis failure is logged and
// treated as a miss, never surfaced to the ingestion path.
type LatestPointCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	logger *logrus.Logger

	mu    sync.Mutex
	stats LatestCacheStats
}

// NewLatestPointCache creates a Redis-backed latest-reading cache.
func NewLatestPointCache(redisClient *redis.Client, ttl time.Duration, logger *logrus.Logger) *LatestPointCache {
	return &LatestPointCache{
		redis:  redisClient,
		ttl:    ttl,
		prefix: "stream_latest:",
		logger: logger,
	}
}

// Set stores the given point as the latest reading for its stream.
func (c *LatestPointCache) Set(ctx context.Context, point models.BiometricDataPoint) {
	entry := latestEntry{Point: point, CachedAt: time.Now().UTC()}

	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.WithError(err).WithField("stream_id", point.StreamID).Warn("Failed to serialize latest point")
		return
	}

	if err := c.redis.Set(ctx, c.prefix+point.StreamID, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("stream_id", point.StreamID).Warn("Redis error caching latest point")
		return
	}

	c.mu.Lock()
	c.stats.Sets++
	c.mu.Unlock()
}

// Get returns the cached latest reading for a stream, if any.
func (c *LatestPointCache) Get(ctx context.Context, streamID string) (models.BiometricDataPoint, bool) {
	data, err := c.redis.Get(ctx, c.prefix+streamID).Result()
	if err == redis.Nil {
		c.miss()
		return models.BiometricDataPoint{}, false
	}
	if err != nil {
		c.logger.WithError(err).WithField("stream_id", streamID).Warn("Redis error reading latest point")
		c.miss()
		return models.BiometricDataPoint{}, false
	}

	var entry latestEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		c.logger.WithError(err).WithField("stream_id", streamID).Warn("Failed to deserialize cached point")
		c.miss()
		return models.BiometricDataPoint{}, false
	}

	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()

	return entry.Point, true
}

// CachedStreams lists the stream ids that currently have a cached reading.
func (c *LatestPointCache) CachedStreams(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("error scanning cache keys: %w", err)
	}

	streams := make([]string, 0, len(keys))
	for _, key := range keys {
		if len(key) > len(c.prefix) {
			streams = append(streams, key[len(c.prefix):])
		}
	}
	return streams, nil
}

// Clear removes all cached readings.
func (c *LatestPointCache) Clear(ctx context.Context) error {
	var keys []string
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("error scanning cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("error clearing cache: %w", err)
	}
	return nil
}

// Stats returns a copy of the current cache statistics.
func (c *LatestPointCache) Stats() LatestCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *LatestPointCache) miss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}
