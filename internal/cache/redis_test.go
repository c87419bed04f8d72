package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sensor-anomaly/internal/models"
)

func newTestFeed(t *testing.T, cfg FeedConfig) (*AnomalyFeed, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg.Addr = mr.Addr()

	feed, err := NewAnomalyFeed(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = feed.Close() })
	return feed, mr
}

func prediction(id int64, station string, anomalous bool) models.PredictionRecord {
	return models.PredictionRecord{
		ID: id,
		SensorEvent: models.SensorEvent{
			StationID:    station,
			Sequence:     id,
			Timestamp:    "2025-01-01T00:00:00Z",
			TemperatureC: 70,
			HumidityPct:  45,
			SoundDB:      65,
		},
		AnomalyScore: 0.6,
		IsAnomaly:    anomalous,
		ModelVersion: "isoforest-v1",
	}
}

func TestNewAnomalyFeed_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewAnomalyFeed(ctx, FeedConfig{Addr: addr}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestStore_CountersAndRecent(t *testing.T) {
	feed, _ := newTestFeed(t, FeedConfig{RecentSize: 2})
	ctx := context.Background()

	records := []models.PredictionRecord{
		prediction(1, "s1", true),
		prediction(2, "s1", false),
		prediction(3, "s2", true),
		prediction(4, "s2", true),
	}
	for _, rec := range records {
		require.NoError(t, feed.Store(ctx, rec))
	}

	stats, err := feed.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Predictions)
	assert.Equal(t, int64(3), stats.Anomalies)
	assert.Equal(t, map[string]int64{"s1": 2, "s2": 2}, stats.PredictionsByStation)
	assert.Equal(t, map[string]int64{"s1": 1, "s2": 2}, stats.AnomaliesByStation)
	assert.Equal(t, int64(2), stats.RecentAnomalies, "sorted set capped at RecentSize")

	recent, err := feed.RecentAnomalies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(4), recent[0].Sequence)
	assert.Equal(t, int64(3), recent[1].Sequence)
}

func TestStats_Empty(t *testing.T) {
	feed, _ := newTestFeed(t, FeedConfig{})

	stats, err := feed.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Predictions)
	assert.Zero(t, stats.Anomalies)
	assert.Empty(t, stats.PredictionsByStation)
}

func TestStore_TTL(t *testing.T) {
	feed, mr := newTestFeed(t, FeedConfig{TTL: time.Hour})

	require.NoError(t, feed.Store(context.Background(), prediction(1, "s1", true)))
	assert.Equal(t, time.Hour, mr.TTL(keyRecentAnomalies))

	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists(keyRecentAnomalies))
}

func TestPublish_Workers(t *testing.T) {
	feed, _ := newTestFeed(t, FeedConfig{QueueSize: 100})
	feed.Start(3)

	for i := int64(1); i <= 20; i++ {
		assert.True(t, feed.Publish(prediction(i, "s1", i%2 == 0)))
	}
	feed.Stop()

	stats, err := feed.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.Predictions, "Stop drains the queue")
	assert.Equal(t, int64(10), stats.Anomalies)
}

func TestPublish_DropsWhenFull(t *testing.T) {
	feed, _ := newTestFeed(t, FeedConfig{QueueSize: 1})

	// обработчики не запущены: вторая запись не помещается
	assert.True(t, feed.Publish(prediction(1, "s1", true)))
	assert.False(t, feed.Publish(prediction(2, "s1", true)))
}

func TestPublish_AfterStop(t *testing.T) {
	feed, _ := newTestFeed(t, FeedConfig{})
	feed.Start(1)
	feed.Stop()
	feed.Stop()

	assert.False(t, feed.Publish(prediction(1, "s1", true)))
}

func TestStore_RedisDown(t *testing.T) {
	feed, mr := newTestFeed(t, FeedConfig{})
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, feed.Store(ctx, prediction(1, "s1", true)))
}
