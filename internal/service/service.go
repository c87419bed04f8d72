// Package service связывает валидацию, скоринг и хранилище:
// получено → проверено → оценено → сохранено → отвечено.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sensor-anomaly/internal/cache"
	"sensor-anomaly/internal/metrics"
	"sensor-anomaly/internal/models"
	"sensor-anomaly/internal/scoring"
	"sensor-anomaly/internal/storage"
	"sensor-anomaly/internal/validation"
)

// DefaultStoreTimeout ограничение на одну операцию с хранилищем
const DefaultStoreTimeout = 5 * time.Second

// feedPreviewSize сколько последних аномалий ленты показывает /stats
const feedPreviewSize = 5

// Store хранилище предсказаний
type Store interface {
	Insert(ctx context.Context, rec *models.PredictionRecord) error
	RecentAnomalies(ctx context.Context, limit int) ([]models.AnomalySummary, error)
	Count(ctx context.Context) (int64, error)
}

// Feed зеркало сохраненных предсказаний (Redis)
type Feed interface {
	Publish(rec models.PredictionRecord) bool
	Stats(ctx context.Context) (cache.FeedStats, error)
	RecentAnomalies(ctx context.Context, limit int64) ([]models.AnomalySummary, error)
}

// Stats ответ GET /stats
type Stats struct {
	Store StoreStats `json:"store"`
	Feed  FeedStats  `json:"feed"`
}

// StoreStats содержимое хранилища
type StoreStats struct {
	Records int64 `json:"records"`
}

// FeedStats состояние ленты
type FeedStats struct {
	Enabled bool             `json:"enabled"`
	Error   string           `json:"error,omitempty"`
	Stats   *cache.FeedStats `json:"stats,omitempty"`

	// Recent последние аномалии из зеркала, новые первыми
	Recent []models.AnomalySummary `json:"recent,omitempty"`
}

// Service сервис приема показаний
type Service struct {
	scorer       *scoring.Scorer
	store        Store
	feed         Feed
	limits       storage.Limits
	storeTimeout time.Duration
	logger       *zap.Logger
}

// Option настройка сервиса
type Option func(*Service)

// WithFeed подключает ленту аномалий
func WithFeed(feed Feed) Option {
	return func(s *Service) {
		s.feed = feed
	}
}

// WithLimits границы limit для LatestAnomalies
func WithLimits(l storage.Limits) Option {
	return func(s *Service) {
		s.limits = l
	}
}

// WithStoreTimeout таймаут операций с хранилищем
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// New создает сервис
func New(scorer *scoring.Scorer, store Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		scorer:       scorer,
		store:        store,
		limits:       storage.DefaultLimits(),
		storeTimeout: DefaultStoreTimeout,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Predict проверяет, оценивает и сохраняет одно показание.
// Ошибки: *validation.MalformedInputError, *validation.ValidationError,
// *storage.StoreError. При ошибке ответа нет.
func (s *Service) Predict(ctx context.Context, body []byte) (models.PredictionResponse, []byte, error) {
	parsed, err := validation.Validate(body)
	if err != nil {
		s.countRejected(err)
		return models.PredictionResponse{}, nil, err
	}
	event := parsed.Event

	start := time.Now()
	result := s.scorer.Score(event)
	metrics.ScoringLatency.Observe(time.Since(start).Seconds())

	resp := models.PredictionResponse{
		StationID:    event.StationID,
		Sequence:     event.Sequence,
		Timestamp:    event.Timestamp,
		AnomalyScore: result.Score,
		IsAnomaly:    result.IsAnomaly,
		ModelVersion: result.ModelVersion,
	}
	rawOutput, err := json.Marshal(resp)
	if err != nil {
		return models.PredictionResponse{}, nil, fmt.Errorf("failed to marshal prediction: %w", err)
	}

	rec := models.PredictionRecord{
		SensorEvent:  event,
		AnomalyScore: result.Score,
		IsAnomaly:    result.IsAnomaly,
		ModelVersion: result.ModelVersion,
		RawInput:     parsed.Raw,
		RawOutput:    rawOutput,
	}

	// отмена клиентом не прерывает уже начатую запись
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	if err := s.store.Insert(storeCtx, &rec); err != nil {
		metrics.StoreOperations.WithLabelValues("insert", "error").Inc()
		var storeErr *storage.StoreError
		if !errors.As(err, &storeErr) {
			storeErr = &storage.StoreError{Op: "insert", Err: err}
		}
		s.logger.Error("failed to persist prediction",
			zap.String("station_id", event.StationID),
			zap.Int64("sequence", event.Sequence),
			zap.Error(storeErr),
		)
		return models.PredictionResponse{}, nil, storeErr
	}
	metrics.StoreOperations.WithLabelValues("insert", "success").Inc()
	metrics.PredictionsTotal.WithLabelValues(metrics.BoolLabel(rec.IsAnomaly)).Inc()
	metrics.AnomalyScore.Observe(rec.AnomalyScore)

	if s.feed != nil && !s.feed.Publish(rec) {
		s.logger.Debug("anomaly feed dropped prediction", zap.Int64("id", rec.ID))
	}

	if rec.IsAnomaly {
		s.logger.Info("anomaly detected",
			zap.Int64("id", rec.ID),
			zap.String("station_id", rec.StationID),
			zap.Int64("sequence", rec.Sequence),
			zap.Float64("anomaly_score", rec.AnomalyScore),
		)
	}
	return resp, rawOutput, nil
}

// Health состояние сервиса. Хранилище не опрашивается.
func (s *Service) Health() models.HealthStatus {
	return models.HealthStatus{
		Status:       "ok",
		ModelVersion: s.scorer.Version(),
		ModelLoaded:  s.scorer.Loaded(),
		ModelPath:    s.scorer.Path(),
	}
}

// LatestAnomalies последние аномалии, новые первыми. Любое значение
// rawLimit допустимо: оно разбирается и приводится к диапазону.
func (s *Service) LatestAnomalies(ctx context.Context, rawLimit string) ([]models.AnomalySummary, error) {
	limit := s.limits.Parse(rawLimit)

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	anomalies, err := s.store.RecentAnomalies(ctx, limit)
	if err != nil {
		metrics.StoreOperations.WithLabelValues("query", "error").Inc()
		return nil, err
	}
	metrics.StoreOperations.WithLabelValues("query", "success").Inc()
	return anomalies, nil
}

// Stats счетчики хранилища и ленты. Ошибка ленты не ошибка ответа.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	records, err := s.store.Count(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Store: StoreStats{Records: records}}
	if s.feed == nil {
		return stats, nil
	}

	stats.Feed.Enabled = true
	feedStats, err := s.feed.Stats(ctx)
	if err != nil {
		s.logger.Warn("failed to read anomaly feed stats", zap.Error(err))
		stats.Feed.Error = err.Error()
		return stats, nil
	}
	stats.Feed.Stats = &feedStats

	recent, err := s.feed.RecentAnomalies(ctx, feedPreviewSize)
	if err != nil {
		s.logger.Warn("failed to read anomaly feed preview", zap.Error(err))
		stats.Feed.Error = err.Error()
		return stats, nil
	}
	stats.Feed.Recent = recent
	return stats, nil
}

func (s *Service) countRejected(err error) {
	var malformed *validation.MalformedInputError
	if errors.As(err, &malformed) {
		metrics.RejectedEvents.WithLabelValues("malformed").Inc()
		return
	}
	metrics.RejectedEvents.WithLabelValues("validation").Inc()
}
