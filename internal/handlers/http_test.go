package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sensor-anomaly/internal/model"
	"sensor-anomaly/internal/models"
	"sensor-anomaly/internal/scoring"
	"sensor-anomaly/internal/service"
	"sensor-anomaly/internal/storage"
)

const validBody = `{"station_id":"s1","sequence":1,"timestamp":"2025-01-01T00:00:00Z","temperature_c":70,"humidity_pct":45,"sound_db":65}`

// labelSequence классификатор с заранее заданными метками
type labelSequence struct {
	mu     sync.Mutex
	labels []int
	next   int
}

func (l *labelSequence) ScoreContinuous([]float64) float64 { return -0.6 }

func (l *labelSequence) Classify([]float64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	label := l.labels[l.next%len(l.labels)]
	l.next++
	return label
}

// brokenStore всегда падает
type brokenStore struct{}

func (brokenStore) Insert(context.Context, *models.PredictionRecord) error {
	return &storage.StoreError{Op: "insert", Err: errors.New("database is locked")}
}

func (brokenStore) RecentAnomalies(context.Context, int) ([]models.AnomalySummary, error) {
	return nil, &storage.StoreError{Op: "query", Err: errors.New("database is locked")}
}

func (brokenStore) Count(context.Context) (int64, error) {
	return 0, &storage.StoreError{Op: "count", Err: errors.New("database is locked")}
}

func newRouter(t *testing.T, artifact model.Artifact, store service.Store) http.Handler {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if store == nil {
		s, err := storage.Open(context.Background(), storage.Options{Path: storage.MemoryPath})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		store = s
	}
	svc := service.New(scoring.New(artifact, "isoforest-v1", "models/isoforest.json"), store, logger)
	return NewRouter(NewHandler(svc, logger, 0))
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPredict_NoModel(t *testing.T) {
	router := newRouter(t, nil, nil)

	rec := do(t, router, http.MethodPost, "/predict", validBody)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{
		"station_id": "s1",
		"sequence": 1,
		"timestamp": "2025-01-01T00:00:00Z",
		"anomaly_score": 0.0,
		"is_anomaly": false,
		"model_version": "isoforest-v1"
	}`, rec.Body.String())
}

func TestPredict_OutOfRange(t *testing.T) {
	router := newRouter(t, nil, nil)
	body := strings.Replace(validBody, `"sound_db":65`, `"sound_db":500`, 1)

	rec := do(t, router, http.MethodPost, "/predict", body)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp struct {
		Error   string `json:"error"`
		Details []struct {
			Type string         `json:"type"`
			Loc  []string       `json:"loc"`
			Msg  string         `json:"msg"`
			Ctx  map[string]any `json:"ctx"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Validation failed", resp.Error)
	require.Len(t, resp.Details, 1)
	assert.Equal(t, []string{"sound_db"}, resp.Details[0].Loc)
	assert.Equal(t, "less_than_equal", resp.Details[0].Type)
	assert.Equal(t, float64(200), resp.Details[0].Ctx["le"])
}

func TestPredict_Malformed(t *testing.T) {
	router := newRouter(t, nil, nil)

	for _, body := range []string{`"not json"`, ``, `{"station_id":`, `[]`, `null`, validBody + `}`, validBody + `]`} {
		rec := do(t, router, http.MethodPost, "/predict", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.JSONEq(t, `{"error":"Invalid or missing JSON"}`, rec.Body.String(), "body %q", body)
	}
}

func TestPredict_BodyTooLarge(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store, err := storage.Open(context.Background(), storage.Options{Path: storage.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := service.New(scoring.New(nil, "isoforest-v1", ""), store, logger)
	router := NewRouter(NewHandler(svc, logger, 64))

	rec := do(t, router, http.MethodPost, "/predict", validBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid or missing JSON"}`, rec.Body.String())
}

func TestPredict_StoreFailure(t *testing.T) {
	router := newRouter(t, nil, brokenStore{})

	rec := do(t, router, http.MethodPost, "/predict", validBody)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to persist prediction"}`, rec.Body.String())
}

func TestLatestAnomalies_MostRecent(t *testing.T) {
	artifact := &labelSequence{labels: []int{model.AnomalyLabel, model.NormalLabel, model.AnomalyLabel}}
	router := newRouter(t, artifact, nil)

	for i, seq := range []string{"1", "2", "3"} {
		body := strings.Replace(validBody, `"sequence":1`, `"sequence":`+seq, 1)
		rec := do(t, router, http.MethodPost, "/predict", body)
		require.Equal(t, http.StatusOK, rec.Code, "predict %d", i)
	}

	rec := do(t, router, http.MethodGet, "/latest_anomalies?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var anomalies []models.AnomalySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &anomalies))
	require.Len(t, anomalies, 1)
	assert.Equal(t, int64(3), anomalies[0].Sequence)
	assert.True(t, anomalies[0].IsAnomaly)
	assert.InDelta(t, 0.6, anomalies[0].AnomalyScore, 1e-12)
}

func TestLatestAnomalies_EmptyArray(t *testing.T) {
	router := newRouter(t, nil, nil)

	for _, target := range []string{"/latest_anomalies", "/latest_anomalies?limit=abc", "/latest_anomalies?limit=-3"} {
		rec := do(t, router, http.MethodGet, target, "")
		require.Equal(t, http.StatusOK, rec.Code, target)
		assert.JSONEq(t, `[]`, rec.Body.String(), target)
	}
}

func TestLatestAnomalies_StoreFailure(t *testing.T) {
	router := newRouter(t, nil, brokenStore{})

	rec := do(t, router, http.MethodGet, "/latest_anomalies?limit=5", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	// здоровье не зависит от хранилища
	router := newRouter(t, nil, brokenStore{})

	rec := do(t, router, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"status": "ok",
		"model_version": "isoforest-v1",
		"model_loaded": false,
		"model_path": "models/isoforest.json"
	}`, rec.Body.String())
}

func TestGetStats(t *testing.T) {
	router := newRouter(t, nil, nil)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/predict", validBody).Code)

	rec := do(t, router, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"store":{"records":1},"feed":{"enabled":false}}`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	router := newRouter(t, nil, nil)

	tests := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/predict"},
		{http.MethodPost, "/health"},
		{http.MethodDelete, "/latest_anomalies"},
	}
	for _, tt := range tests {
		rec := do(t, router, tt.method, tt.target, "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", tt.method, tt.target)
	}
}

func TestNotFound(t *testing.T) {
	router := newRouter(t, nil, nil)

	rec := do(t, router, http.MethodGet, "/analytics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router := newRouter(t, nil, nil)
	do(t, router, http.MethodGet, "/health", "")

	rec := do(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestID(t *testing.T) {
	router := newRouter(t, nil, nil)

	rec := do(t, router, http.MethodGet, "/health", "")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))

	rec = do(t, router, http.MethodGet, "/predict", "")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader), "set on 405 too")
}
