package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/medviz/biostream/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a test Redis instance using miniredis
func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	s, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})

	cleanup := func() {
		client.Close()
		s.Close()
	}

	return client, cleanup
}

func testPoint(streamID string, value float64) models.BiometricDataPoint {
	return models.BiometricDataPoint{
		ID:        "dp-1",
		StreamID:  streamID,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Value:     value,
		Type:      models.StreamTypeHeartRate,
		Source:    models.SourceWearable,
		Quality:   models.QualityHigh,
	}
}

func TestLatestPointCache_RoundTrip(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewLatestPointCache(client, 5*time.Minute, logrus.New())
	ctx := context.Background()

	cache.Set(ctx, testPoint("stream-hr", 72))

	got, found := cache.Get(ctx, "stream-hr")
	require.True(t, found)
	assert.Equal(t, "stream-hr", got.StreamID)
	assert.Equal(t, 72.0, got.Value)
	assert.Equal(t, models.StreamTypeHeartRate, got.Type)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
}

func TestLatestPointCache_Miss(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewLatestPointCache(client, 5*time.Minute, logrus.New())

	_, found := cache.Get(context.Background(), "nonexistent")
	assert.False(t, found)
	assert.Equal(t, int64(1), cache.Stats().Misses)
}

func TestLatestPointCache_OverwriteKeepsNewest(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewLatestPointCache(client, 5*time.Minute, logrus.New())
	ctx := context.Background()

	cache.Set(ctx, testPoint("stream-hr", 72))
	cache.Set(ctx, testPoint("stream-hr", 88))

	got, found := cache.Get(ctx, "stream-hr")
	require.True(t, found)
	assert.Equal(t, 88.0, got.Value)
}

func TestLatestPointCache_CachedStreamsAndClear(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewLatestPointCache(client, 5*time.Minute, logrus.New())
	ctx := context.Background()

	cache.Set(ctx, testPoint("stream-hr", 72))
	cache.Set(ctx, testPoint("stream-bp", 120))

	streams, err := cache.CachedStreams(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stream-hr", "stream-bp"}, streams)

	require.NoError(t, cache.Clear(ctx))

	streams, err = cache.CachedStreams(ctx)
	require.NoError(t, err)
	assert.Empty(t, streams)
}
