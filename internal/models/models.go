package models

import "encoding/json"

// SensorEvent показание станции после валидации
type SensorEvent struct {
	StationID    string  `json:"station_id"`
	Sequence     int64   `json:"sequence"`
	Timestamp    string  `json:"timestamp"`
	TemperatureC float64 `json:"temperature_c"`
	HumidityPct  float64 `json:"humidity_pct"`
	SoundDB      float64 `json:"sound_db"`
}

// Features возвращает вектор признаков в фиксированном порядке модели:
// temperature_c, humidity_pct, sound_db.
func (e SensorEvent) Features() []float64 {
	return []float64{e.TemperatureC, e.HumidityPct, e.SoundDB}
}

// PredictionResponse ответ на POST /predict (он же raw_output)
type PredictionResponse struct {
	StationID    string  `json:"station_id"`
	Sequence     int64   `json:"sequence"`
	Timestamp    string  `json:"timestamp"`
	AnomalyScore float64 `json:"anomaly_score"`
	IsAnomaly    bool    `json:"is_anomaly"`
	ModelVersion string  `json:"model_version"`
}

// PredictionRecord сохраненная запись предсказания
type PredictionRecord struct {
	ID int64 `json:"id"`
	SensorEvent
	AnomalyScore float64         `json:"anomaly_score"`
	IsAnomaly    bool            `json:"is_anomaly"`
	ModelVersion string          `json:"model_version"`
	RawInput     json.RawMessage `json:"raw_input"`
	RawOutput    json.RawMessage `json:"raw_output"`
}

// AnomalySummary проекция записи для GET /latest_anomalies
type AnomalySummary struct {
	Timestamp    string  `json:"timestamp" db:"timestamp"`
	StationID    string  `json:"station_id" db:"station_id"`
	Sequence     int64   `json:"sequence" db:"sequence"`
	TemperatureC float64 `json:"temperature_c" db:"temperature_c"`
	HumidityPct  float64 `json:"humidity_pct" db:"humidity_pct"`
	SoundDB      float64 `json:"sound_db" db:"sound_db"`
	AnomalyScore float64 `json:"anomaly_score" db:"anomaly_score"`
	IsAnomaly    bool    `json:"is_anomaly" db:"is_anomaly"`
	ModelVersion string  `json:"model_version" db:"model_version"`
}

// HealthStatus ответ GET /health
type HealthStatus struct {
	Status       string `json:"status"`
	ModelVersion string `json:"model_version"`
	ModelLoaded  bool   `json:"model_loaded"`
	ModelPath    string `json:"model_path"`
}

// ErrorResponse тело ответа об ошибке
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}
