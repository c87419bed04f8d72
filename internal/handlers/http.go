package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"sensor-anomaly/internal/metrics"
	"sensor-anomaly/internal/models"
	"sensor-anomaly/internal/service"
	"sensor-anomaly/internal/storage"
	"sensor-anomaly/internal/validation"
)

// DefaultMaxBodyBytes предельный размер тела POST /predict
const DefaultMaxBodyBytes = 1 << 20

// Сообщения об ошибках в ответах
const (
	msgInvalidJSON      = "Invalid or missing JSON"
	msgValidationFailed = "Validation failed"
	msgPersistFailed    = "Failed to persist prediction"
	msgQueryFailed      = "Failed to retrieve anomalies"
	msgInternal         = "Internal server error"
)

// Ingestor операции сервиса, доступные по HTTP
type Ingestor interface {
	Predict(ctx context.Context, body []byte) (models.PredictionResponse, []byte, error)
	Health() models.HealthStatus
	LatestAnomalies(ctx context.Context, rawLimit string) ([]models.AnomalySummary, error)
	Stats(ctx context.Context) (service.Stats, error)
}

// Handler обработчик HTTP запросов
type Handler struct {
	svc          Ingestor
	logger       *zap.Logger
	maxBodyBytes int64
}

// NewHandler создает новый обработчик; maxBodyBytes <= 0 означает 1 MiB
func NewHandler(svc Ingestor, logger *zap.Logger, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{
		svc:          svc,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
	}
}

// Predict обрабатывает POST /predict
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/predict"
	start := time.Now()
	defer func() {
		duration := time.Since(start).Seconds()
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(duration)
	}()

	// слишком большое тело считается неразбираемым
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.writeJSON(w, r, endpoint, http.StatusBadRequest, models.ErrorResponse{Error: msgInvalidJSON})
		return
	}

	_, raw, err := h.svc.Predict(r.Context(), body)
	if err != nil {
		var (
			malformed *validation.MalformedInputError
			invalid   *validation.ValidationError
			storeErr  *storage.StoreError
		)
		switch {
		case errors.As(err, &malformed):
			h.writeJSON(w, r, endpoint, http.StatusBadRequest, models.ErrorResponse{Error: msgInvalidJSON})
		case errors.As(err, &invalid):
			h.writeJSON(w, r, endpoint, http.StatusUnprocessableEntity, models.ErrorResponse{
				Error:   msgValidationFailed,
				Details: invalid.Violations,
			})
		case errors.As(err, &storeErr):
			h.writeJSON(w, r, endpoint, http.StatusInternalServerError, models.ErrorResponse{Error: msgPersistFailed})
		default:
			h.logger.Error("predict failed", zap.Error(err))
			h.writeJSON(w, r, endpoint, http.StatusInternalServerError, models.ErrorResponse{Error: msgInternal})
		}
		return
	}

	// в ответ уходят те же байты, что сохранены как raw_output
	h.writeRaw(w, r, endpoint, http.StatusOK, raw)
}

// LatestAnomalies обрабатывает GET /latest_anomalies?limit=N
func (h *Handler) LatestAnomalies(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/latest_anomalies"
	start := time.Now()
	defer func() {
		duration := time.Since(start).Seconds()
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(duration)
	}()

	anomalies, err := h.svc.LatestAnomalies(r.Context(), r.URL.Query().Get("limit"))
	if err != nil {
		h.logger.Error("failed to query anomalies", zap.Error(err))
		h.writeJSON(w, r, endpoint, http.StatusInternalServerError, models.ErrorResponse{Error: msgQueryFailed})
		return
	}

	h.writeJSON(w, r, endpoint, http.StatusOK, anomalies)
}

// HealthCheck обрабатывает GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, "/health", http.StatusOK, h.svc.Health())
}

// GetStats обрабатывает GET /stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/stats"
	start := time.Now()
	defer func() {
		duration := time.Since(start).Seconds()
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(duration)
	}()

	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to collect stats", zap.Error(err))
		h.writeJSON(w, r, endpoint, http.StatusInternalServerError, models.ErrorResponse{Error: msgInternal})
		return
	}

	h.writeJSON(w, r, endpoint, http.StatusOK, stats)
}

// MethodNotAllowed ответ на неподдерживаемый метод известного пути
func (h *Handler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, r.URL.Path, http.StatusMethodNotAllowed, models.ErrorResponse{Error: "Method not allowed"})
}

// NotFound ответ на неизвестный путь
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, "unmatched", http.StatusNotFound, models.ErrorResponse{Error: "Not found"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, endpoint string, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to encode response", zap.String("endpoint", endpoint), zap.Error(err))
		status = http.StatusInternalServerError
		data = []byte(`{"error":"` + msgInternal + `"}`)
	}
	h.writeRaw(w, r, endpoint, status, data)
}

func (h *Handler) writeRaw(w http.ResponseWriter, r *http.Request, endpoint string, status int, data []byte) {
	metrics.RequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("failed to write response", zap.String("endpoint", endpoint), zap.Error(err))
	}
}
