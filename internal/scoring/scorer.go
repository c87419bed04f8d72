// Package scoring оборачивает внешнюю модель аномалий.
package scoring

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"sensor-anomaly/internal/model"
	"sensor-anomaly/internal/models"
)

// FeatureOrder порядок признаков, на котором обучена модель
var FeatureOrder = []string{"temperature_c", "humidity_pct", "sound_db"}

// Result результат скоринга
type Result struct {
	Score        float64
	IsAnomaly    bool
	ModelVersion string
}

// Scorer адаптер модели. Без артефакта работает в деградированном режиме
// и возвращает нейтральный результат.
type Scorer struct {
	artifact model.Artifact
	version  string
	path     string
}

// New создает скорер; artifact == nil означает деградированный режим.
func New(artifact model.Artifact, version, path string) *Scorer {
	return &Scorer{
		artifact: artifact,
		version:  version,
		path:     path,
	}
}

// Load читает артефакт с диска. Отсутствие файла не ошибка: скорер
// переходит в деградированный режим. Поврежденный артефакт считается ошибкой старта.
func Load(path, version string, logger *zap.Logger) (*Scorer, error) {
	forest, err := model.Load(path)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			logger.Warn("model artifact not found, scoring in degraded mode",
				zap.String("model_path", path),
				zap.String("model_version", version),
			)
			return New(nil, version, path), nil
		}
		return nil, err
	}

	if forest.NumFeatures != len(FeatureOrder) {
		return nil, fmt.Errorf("model %s expects %d features, want %d", path, forest.NumFeatures, len(FeatureOrder))
	}
	if len(forest.FeatureNames) > 0 && !slices.Equal(forest.FeatureNames, FeatureOrder) {
		return nil, fmt.Errorf("model %s feature order %v, want %v", path, forest.FeatureNames, FeatureOrder)
	}

	logger.Info("model artifact loaded",
		zap.String("model_path", path),
		zap.String("model_version", version),
		zap.Int("trees", len(forest.Trees)),
	)
	return New(forest, version, path), nil
}

// Score оценивает событие. Модель сообщает "нормальность", поэтому знак
// инвертируется: выше = аномальнее. Флаг берется из классификатора модели
// как есть, без согласования со значением score.
func (s *Scorer) Score(event models.SensorEvent) Result {
	if s.artifact == nil {
		return Result{Score: 0.0, IsAnomaly: false, ModelVersion: s.version}
	}

	features := event.Features()
	normality := s.artifact.ScoreContinuous(features)
	label := s.artifact.Classify(features)

	return Result{
		Score:        -normality,
		IsAnomaly:    label == model.AnomalyLabel,
		ModelVersion: s.version,
	}
}

// Loaded сообщает, загружена ли модель
func (s *Scorer) Loaded() bool {
	return s.artifact != nil
}

// Version версия модели
func (s *Scorer) Version() string {
	return s.version
}

// Path путь к артефакту
func (s *Scorer) Path() string {
	return s.path
}
