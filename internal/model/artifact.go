package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Artifact внешняя модель, которой пользуется скорер.
// ScoreContinuous: выше = нормальнее. Classify: -1 аномалия, +1 норма.
type Artifact interface {
	ScoreContinuous(features []float64) float64
	Classify(features []float64) int
}

// ErrNotFound файл артефакта отсутствует
var ErrNotFound = errors.New("model: artifact not found")

// Save записывает лес в JSON-файл, создавая каталог при необходимости.
// Запись идет через временный файл, чтобы не оставить обрезанный артефакт.
func (f *IsolationForest) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename model: %w", err)
	}
	return nil
}

// Load читает артефакт. Отсутствующий файл возвращает ErrNotFound.
func Load(path string) (*IsolationForest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read model: %w", err)
	}

	var f IsolationForest
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if err := f.check(); err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", path, err)
	}
	return &f, nil
}

// check проверяет целостность загруженного леса
func (f *IsolationForest) check() error {
	if len(f.Trees) == 0 {
		return errors.New("no trees")
	}
	if f.NumFeatures <= 0 {
		return fmt.Errorf("num_features must be positive, got %d", f.NumFeatures)
	}
	if f.SubSampleSize <= 0 {
		return fmt.Errorf("sub_sample_size must be positive, got %d", f.SubSampleSize)
	}
	if len(f.FeatureNames) > 0 && len(f.FeatureNames) != f.NumFeatures {
		return fmt.Errorf("features list has %d names, num_features is %d", len(f.FeatureNames), f.NumFeatures)
	}
	for i, tree := range f.Trees {
		if tree == nil {
			return fmt.Errorf("tree %d is null", i)
		}
		if err := checkNode(tree, f.NumFeatures); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}

func checkNode(n *node, numFeatures int) error {
	if n.leaf() {
		return nil
	}
	if n.Feature < 0 || n.Feature >= numFeatures {
		return fmt.Errorf("split feature %d out of range", n.Feature)
	}
	if err := checkNode(n.Left, numFeatures); err != nil {
		return err
	}
	return checkNode(n.Right, numFeatures)
}
