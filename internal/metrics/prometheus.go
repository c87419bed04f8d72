package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration продолжительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// PredictionsTotal сохраненные предсказания
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Total number of persisted predictions",
		},
		[]string{"is_anomaly"},
	)

	// RejectedEvents отклоненные события (malformed, validation)
	RejectedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rejected_events_total",
			Help: "Total number of rejected sensor events",
		},
		[]string{"reason"},
	)

	// AnomalyScore распределение значений anomaly_score
	AnomalyScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anomaly_score",
			Help:    "Distribution of anomaly scores (higher = more anomalous)",
			Buckets: prometheus.LinearBuckets(0.3, 0.05, 12),
		},
	)

	// ScoringLatency задержка скоринга
	ScoringLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scoring_latency_seconds",
			Help:    "Model scoring latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
	)

	// StoreOperations операции с хранилищем
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_operations_total",
			Help: "Total number of prediction store operations",
		},
		[]string{"operation", "status"},
	)

	// FeedOperations операции с Redis-лентой
	FeedOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_operations_total",
			Help: "Total number of anomaly feed (Redis) operations",
		},
		[]string{"operation", "status"},
	)

	// FeedQueueSize размер очереди ленты
	FeedQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_queue_size",
			Help: "Current size of the anomaly feed queue",
		},
	)

	// ModelLoaded 1 если модель загружена
	ModelLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "model_loaded",
			Help: "Whether a scoring model is loaded (1) or the service runs degraded (0)",
		},
		[]string{"model_version"},
	)
)

// BoolLabel значение метки для bool
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
