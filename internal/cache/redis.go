package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sensor-anomaly/internal/metrics"
	"sensor-anomaly/internal/models"
)

// Ключи Redis
const (
	keyPredictionsTotal     = "predictions:total"
	keyAnomaliesTotal       = "anomalies:total"
	keyPredictionsByStation = "predictions:by_station"
	keyAnomaliesByStation   = "anomalies:by_station"
	keyRecentAnomalies      = "anomalies:recent"
)

// FeedConfig параметры ленты аномалий
type FeedConfig struct {
	Addr       string
	Password   string
	DB         int
	TTL        time.Duration
	RecentSize int64
	Workers    int
	QueueSize  int
	OpTimeout  time.Duration
}

// AnomalyFeed зеркалирует сохраненные предсказания в Redis: счетчики
// по станциям и ограниченный sorted set последних аномалий (score = ID записи).
// Источник истины: хранилище, лента best effort и может отставать или терять события.
type AnomalyFeed struct {
	client     *redis.Client
	logger     *zap.Logger
	ttl        time.Duration
	recentSize int64
	opTimeout  time.Duration
	queue      chan models.PredictionRecord
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// FeedStats содержимое ленты
type FeedStats struct {
	Predictions          int64            `json:"predictions"`
	Anomalies            int64            `json:"anomalies"`
	PredictionsByStation map[string]int64 `json:"predictions_by_station"`
	AnomaliesByStation   map[string]int64 `json:"anomalies_by_station"`
	RecentAnomalies      int64            `json:"recent_anomalies"`
	QueueSize            int              `json:"queue_size"`
	Pool                 PoolStats        `json:"pool"`
}

// PoolStats статистика пула соединений
type PoolStats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
}

// NewAnomalyFeed подключается к Redis и проверяет соединение
func NewAnomalyFeed(ctx context.Context, cfg FeedConfig, logger *zap.Logger) (*AnomalyFeed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = 100
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}

	return &AnomalyFeed{
		client:     client,
		logger:     logger,
		ttl:        cfg.TTL,
		recentSize: cfg.RecentSize,
		opTimeout:  cfg.OpTimeout,
		queue:      make(chan models.PredictionRecord, cfg.QueueSize),
		stopChan:   make(chan struct{}),
	}, nil
}

// Start запускает обработчики в goroutines
func (f *AnomalyFeed) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.process()
	}
}

// Stop останавливает обработчики, дописав то, что уже в очереди
func (f *AnomalyFeed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopChan)
	})
	f.wg.Wait()
}

// Publish ставит запись в очередь. Не блокирует: при полной очереди
// или после Stop событие отбрасывается и возвращается false.
func (f *AnomalyFeed) Publish(rec models.PredictionRecord) bool {
	select {
	case <-f.stopChan:
		metrics.FeedOperations.WithLabelValues("publish", "stopped").Inc()
		return false
	default:
	}

	select {
	case f.queue <- rec:
		metrics.FeedQueueSize.Set(float64(len(f.queue)))
		return true
	default:
		metrics.FeedOperations.WithLabelValues("publish", "dropped").Inc()
		return false
	}
}

// process обрабатывает записи из очереди
func (f *AnomalyFeed) process() {
	defer f.wg.Done()

	for {
		select {
		case <-f.stopChan:
			f.drain()
			return
		case rec := <-f.queue:
			f.handle(rec)
		}
	}
}

func (f *AnomalyFeed) drain() {
	for {
		select {
		case rec := <-f.queue:
			f.handle(rec)
		default:
			return
		}
	}
}

func (f *AnomalyFeed) handle(rec models.PredictionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), f.opTimeout)
	defer cancel()

	if err := f.Store(ctx, rec); err != nil {
		metrics.FeedOperations.WithLabelValues("store", "error").Inc()
		f.logger.Warn("failed to mirror prediction to Redis",
			zap.Int64("id", rec.ID),
			zap.String("station_id", rec.StationID),
			zap.Error(err),
		)
		return
	}
	metrics.FeedOperations.WithLabelValues("store", "success").Inc()
	metrics.FeedQueueSize.Set(float64(len(f.queue)))
}

// Store пишет запись в Redis одним pipeline
func (f *AnomalyFeed) Store(ctx context.Context, rec models.PredictionRecord) error {
	pipe := f.client.TxPipeline()
	pipe.Incr(ctx, keyPredictionsTotal)
	pipe.HIncrBy(ctx, keyPredictionsByStation, rec.StationID, 1)

	if rec.IsAnomaly {
		summary := models.AnomalySummary{
			Timestamp:    rec.Timestamp,
			StationID:    rec.StationID,
			Sequence:     rec.Sequence,
			TemperatureC: rec.TemperatureC,
			HumidityPct:  rec.HumidityPct,
			SoundDB:      rec.SoundDB,
			AnomalyScore: rec.AnomalyScore,
			IsAnomaly:    rec.IsAnomaly,
			ModelVersion: rec.ModelVersion,
		}
		member, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to marshal anomaly: %w", err)
		}

		pipe.Incr(ctx, keyAnomaliesTotal)
		pipe.HIncrBy(ctx, keyAnomaliesByStation, rec.StationID, 1)
		pipe.ZAdd(ctx, keyRecentAnomalies, redis.Z{Score: float64(rec.ID), Member: member})
		// оставляем только recentSize записей с наибольшими ID
		pipe.ZRemRangeByRank(ctx, keyRecentAnomalies, 0, -f.recentSize-1)
		if f.ttl > 0 {
			pipe.Expire(ctx, keyRecentAnomalies, f.ttl)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// RecentAnomalies последние аномалии из ленты, новые первыми
func (f *AnomalyFeed) RecentAnomalies(ctx context.Context, limit int64) ([]models.AnomalySummary, error) {
	members, err := f.client.ZRevRange(ctx, keyRecentAnomalies, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get anomalies: %w", err)
	}

	out := make([]models.AnomalySummary, 0, len(members))
	for _, m := range members {
		var a models.AnomalySummary
		if err := json.Unmarshal([]byte(m), &a); err != nil {
			return nil, fmt.Errorf("failed to decode anomaly: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Stats возвращает счетчики ленты
func (f *AnomalyFeed) Stats(ctx context.Context) (FeedStats, error) {
	pipe := f.client.Pipeline()
	predictions := pipe.Get(ctx, keyPredictionsTotal)
	anomalies := pipe.Get(ctx, keyAnomaliesTotal)
	byStation := pipe.HGetAll(ctx, keyPredictionsByStation)
	anomaliesByStation := pipe.HGetAll(ctx, keyAnomaliesByStation)
	recent := pipe.ZCard(ctx, keyRecentAnomalies)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return FeedStats{}, fmt.Errorf("failed to read feed stats: %w", err)
	}

	pool := f.client.PoolStats()
	stats := FeedStats{
		Predictions:          counter(predictions),
		Anomalies:            counter(anomalies),
		PredictionsByStation: hashCounters(byStation.Val()),
		AnomaliesByStation:   hashCounters(anomaliesByStation.Val()),
		RecentAnomalies:      recent.Val(),
		QueueSize:            len(f.queue),
		Pool: PoolStats{
			Hits:       pool.Hits,
			Misses:     pool.Misses,
			Timeouts:   pool.Timeouts,
			TotalConns: pool.TotalConns,
			IdleConns:  pool.IdleConns,
		},
	}
	return stats, nil
}

// Close закрывает соединение с Redis
func (f *AnomalyFeed) Close() error {
	return f.client.Close()
}

func counter(cmd *redis.StringCmd) int64 {
	n, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return n
}

func hashCounters(h map[string]string) map[string]int64 {
	out := make(map[string]int64, len(h))
	for k, v := range h {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out
}
