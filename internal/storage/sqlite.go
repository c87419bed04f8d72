// Package storage хранит предсказания: таблица только на добавление,
// выборка последних аномалий в порядке вставки.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go драйвер SQLite, без CGO

	"sensor-anomaly/internal/models"
)

// MemoryPath открывает базу в памяти (для тестов)
const MemoryPath = ":memory:"

// DefaultBusyTimeout сколько запись ждет блокировку SQLite, прежде чем вернуть ошибку
const DefaultBusyTimeout = 5 * time.Second

var schema = []string{
	`CREATE TABLE IF NOT EXISTS predictions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		station_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		temperature_c REAL NOT NULL,
		humidity_pct REAL NOT NULL,
		sound_db REAL NOT NULL,
		anomaly_score REAL NOT NULL,
		is_anomaly INTEGER NOT NULL,
		model_version TEXT NOT NULL,
		raw_input_json TEXT NOT NULL,
		raw_output_json TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_time ON predictions(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_station ON predictions(station_id)`,
}

// StoreError ошибка хранилища: запись или чтение не выполнены
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Options параметры открытия хранилища
type Options struct {
	Path        string
	BusyTimeout time.Duration
	Limits      Limits
}

// SQLiteStore хранилище предсказаний на SQLite
type SQLiteStore struct {
	db     *sqlx.DB
	limits Limits

	// writeMu сериализует вставки внутри процесса
	writeMu sync.Mutex
}

// Open открывает (или создает) базу и схему.
func Open(ctx context.Context, opts Options) (*SQLiteStore, error) {
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}

	dsn := opts.Path
	memory := opts.Path == MemoryPath || opts.Path == ""
	if memory {
		dsn = MemoryPath
	} else {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, &StoreError{Op: "open", Err: fmt.Errorf("create data dir: %w", err)}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
			opts.Path, opts.BusyTimeout.Milliseconds())
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	if memory {
		// каждое соединение :memory: открывает отдельную базу
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "open", Err: err}
	}

	s := &SQLiteStore{db: db, limits: opts.Limits}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init создает таблицу и индексы, если их нет. Повторный вызов безопасен.
func (s *SQLiteStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &StoreError{Op: "init", Err: err}
		}
	}
	return nil
}

// Insert добавляет запись и присваивает ей ID.
// ID выдается той же транзакцией, что и фиксирует запись.
func (s *SQLiteStore) Insert(ctx context.Context, rec *models.PredictionRecord) error {
	isAnomaly := 0
	if rec.IsAnomaly {
		isAnomaly = 1
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO predictions (
			timestamp, station_id, sequence,
			temperature_c, humidity_pct, sound_db,
			anomaly_score, is_anomaly, model_version,
			raw_input_json, raw_output_json
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp,
		rec.StationID,
		rec.Sequence,
		rec.TemperatureC,
		rec.HumidityPct,
		rec.SoundDB,
		rec.AnomalyScore,
		isAnomaly,
		rec.ModelVersion,
		string(rec.RawInput),
		string(rec.RawOutput),
	)
	if err != nil {
		return &StoreError{Op: "insert", Err: err}
	}

	id, err := result.LastInsertId()
	if err != nil {
		return &StoreError{Op: "insert", Err: fmt.Errorf("last insert id: %w", err)}
	}
	rec.ID = id
	return nil
}

// RecentAnomalies возвращает до limit последних аномалий, новые первыми.
// limit приводится к допустимому диапазону.
func (s *SQLiteStore) RecentAnomalies(ctx context.Context, limit int) ([]models.AnomalySummary, error) {
	limit = s.limits.Clamp(limit)

	anomalies := make([]models.AnomalySummary, 0, limit)
	err := s.db.SelectContext(ctx, &anomalies, `
		SELECT timestamp, station_id, sequence,
		       temperature_c, humidity_pct, sound_db,
		       anomaly_score, is_anomaly, model_version
		FROM predictions
		WHERE is_anomaly = 1
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, &StoreError{Op: "query", Err: err}
	}
	return anomalies, nil
}

// Get возвращает полную запись по ID
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*models.PredictionRecord, error) {
	var row struct {
		ID           int64   `db:"id"`
		Timestamp    string  `db:"timestamp"`
		StationID    string  `db:"station_id"`
		Sequence     int64   `db:"sequence"`
		TemperatureC float64 `db:"temperature_c"`
		HumidityPct  float64 `db:"humidity_pct"`
		SoundDB      float64 `db:"sound_db"`
		AnomalyScore float64 `db:"anomaly_score"`
		IsAnomaly    bool    `db:"is_anomaly"`
		ModelVersion string  `db:"model_version"`
		RawInput     string  `db:"raw_input_json"`
		RawOutput    string  `db:"raw_output_json"`
	}
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM predictions WHERE id = ?`, id); err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}

	return &models.PredictionRecord{
		ID: row.ID,
		SensorEvent: models.SensorEvent{
			StationID:    row.StationID,
			Sequence:     row.Sequence,
			Timestamp:    row.Timestamp,
			TemperatureC: row.TemperatureC,
			HumidityPct:  row.HumidityPct,
			SoundDB:      row.SoundDB,
		},
		AnomalyScore: row.AnomalyScore,
		IsAnomaly:    row.IsAnomaly,
		ModelVersion: row.ModelVersion,
		RawInput:     []byte(row.RawInput),
		RawOutput:    []byte(row.RawOutput),
	}, nil
}

// Count количество сохраненных записей
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM predictions`); err != nil {
		return 0, &StoreError{Op: "count", Err: err}
	}
	return n, nil
}

// Close закрывает соединения
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
