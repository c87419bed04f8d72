package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter регистрирует маршруты сервиса
func NewRouter(h *Handler) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/predict", h.Predict).Methods(http.MethodPost)
	r.HandleFunc("/latest_anomalies", h.LatestAnomalies).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(h.MethodNotAllowed)
	r.NotFoundHandler = http.HandlerFunc(h.NotFound)

	// оборачиваем весь роутер: r.Use не срабатывает для 404 и 405
	return RequestID(RequestLog(h.logger)(r))
}
