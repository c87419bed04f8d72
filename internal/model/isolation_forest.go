// Package model содержит артефакт модели аномалий: Isolation Forest,
// совместимый по соглашениям со sklearn (score_samples выше для нормальных точек,
// predict возвращает -1 для аномалии и +1 для нормы).
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

const (
	// AnomalyLabel результат Classify для аномальной точки
	AnomalyLabel = -1
	// NormalLabel результат Classify для нормальной точки
	NormalLabel = 1

	// autoOffset порог при contamination = 0 (режим "auto" в sklearn)
	autoOffset      = -0.5
	eulerMascheroni = 0.5772156649
)

// ErrNoData обучение на пустой выборке
var ErrNoData = errors.New("model: no training data")

// Params параметры обучения
type Params struct {
	NumTrees      int
	MaxSamples    int
	Contamination float64
	Seed          int64
}

// DefaultParams параметры, с которыми обучается модель станций
func DefaultParams() Params {
	return Params{
		NumTrees:      300,
		MaxSamples:    256,
		Contamination: 0.03,
		Seed:          42,
	}
}

// node узел дерева изоляции
type node struct {
	Feature   int     `json:"f,omitempty"`
	Threshold float64 `json:"t,omitempty"`
	Left      *node   `json:"l,omitempty"`
	Right     *node   `json:"r,omitempty"`
	Size      int     `json:"n,omitempty"`
}

func (n *node) leaf() bool {
	return n.Left == nil || n.Right == nil
}

// IsolationForest обученный лес. После обучения или загрузки только читается,
// поэтому безопасен для конкурентного использования.
type IsolationForest struct {
	ModelType     string   `json:"model_type"`
	FeatureNames  []string `json:"features,omitempty"`
	NumFeatures   int      `json:"num_features"`
	SubSampleSize int      `json:"sub_sample_size"`
	Contamination float64  `json:"contamination"`
	Offset        float64  `json:"offset"`
	Trees         []*node  `json:"trees"`
}

// Fit обучает лес на строках data (каждая строка это вектор признаков).
func Fit(data [][]float64, p Params) (*IsolationForest, error) {
	if len(data) == 0 {
		return nil, ErrNoData
	}
	numFeatures := len(data[0])
	if numFeatures == 0 {
		return nil, fmt.Errorf("model: empty feature vector")
	}
	for i, row := range data {
		if len(row) != numFeatures {
			return nil, fmt.Errorf("model: row %d has %d features, want %d", i, len(row), numFeatures)
		}
	}
	if p.NumTrees <= 0 {
		return nil, fmt.Errorf("model: num trees must be positive, got %d", p.NumTrees)
	}
	if p.Contamination < 0 || p.Contamination > 0.5 {
		return nil, fmt.Errorf("model: contamination must be in [0, 0.5], got %g", p.Contamination)
	}

	sampleSize := p.MaxSamples
	if sampleSize <= 0 || sampleSize > len(data) {
		sampleSize = len(data)
	}
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(sampleSize), 2))))

	rng := rand.New(rand.NewSource(p.Seed))
	f := &IsolationForest{
		ModelType:     "IsolationForest",
		NumFeatures:   numFeatures,
		SubSampleSize: sampleSize,
		Contamination: p.Contamination,
		Offset:        autoOffset,
		Trees:         make([]*node, 0, p.NumTrees),
	}

	for i := 0; i < p.NumTrees; i++ {
		sample := sampleRows(rng, data, sampleSize)
		f.Trees = append(f.Trees, buildTree(rng, sample, 0, maxDepth))
	}

	if p.Contamination > 0 {
		scores := make([]float64, len(data))
		for i, row := range data {
			scores[i] = f.ScoreContinuous(row)
		}
		f.Offset = percentile(scores, 100*p.Contamination)
	}

	return f, nil
}

// ScoreContinuous возвращает "нормальность" точки: -2^(-E[h(x)]/c(ψ)).
// Чем выше значение, тем нормальнее точка (как score_samples в sklearn).
func (f *IsolationForest) ScoreContinuous(features []float64) float64 {
	if len(f.Trees) == 0 {
		return autoOffset
	}

	total := 0.0
	for _, tree := range f.Trees {
		total += pathLength(tree, features, 0)
	}
	avg := total / float64(len(f.Trees))

	c := averagePathLength(f.SubSampleSize)
	if c == 0 {
		return autoOffset
	}
	return -math.Pow(2, -avg/c)
}

// Classify возвращает AnomalyLabel, если нормальность ниже порога обучения.
func (f *IsolationForest) Classify(features []float64) int {
	if f.ScoreContinuous(features)-f.Offset < 0 {
		return AnomalyLabel
	}
	return NormalLabel
}

// sampleRows выбирает size строк без повторов (частичный Fisher-Yates)
func sampleRows(rng *rand.Rand, data [][]float64, size int) [][]float64 {
	idx := make([]int, len(data))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < size; i++ {
		j := i + rng.Intn(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
	}

	sample := make([][]float64, size)
	for i := 0; i < size; i++ {
		sample[i] = data[idx[i]]
	}
	return sample
}

// buildTree рекурсивно строит дерево изоляции
func buildTree(rng *rand.Rand, data [][]float64, depth, maxDepth int) *node {
	if len(data) <= 1 || depth >= maxDepth {
		return &node{Size: len(data)}
	}

	// признаки с ненулевым разбросом
	numFeatures := len(data[0])
	candidates := make([]int, 0, numFeatures)
	for feat := 0; feat < numFeatures; feat++ {
		lo, hi := featureRange(data, feat)
		if hi > lo {
			candidates = append(candidates, feat)
		}
	}
	if len(candidates) == 0 {
		return &node{Size: len(data)}
	}

	feat := candidates[rng.Intn(len(candidates))]
	lo, hi := featureRange(data, feat)
	threshold := lo + rng.Float64()*(hi-lo)

	left := make([][]float64, 0, len(data))
	right := make([][]float64, 0, len(data))
	for _, row := range data {
		if row[feat] < threshold {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{Size: len(data)}
	}

	return &node{
		Feature:   feat,
		Threshold: threshold,
		Left:      buildTree(rng, left, depth+1, maxDepth),
		Right:     buildTree(rng, right, depth+1, maxDepth),
		Size:      len(data),
	}
}

func pathLength(n *node, features []float64, depth int) float64 {
	for !n.leaf() {
		if features[n.Feature] < n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(n.Size)
}

// averagePathLength c(n) = 2H(n-1) - 2(n-1)/n
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	harmonic := math.Log(float64(n-1)) + eulerMascheroni
	return 2*harmonic - 2*float64(n-1)/float64(n)
}

func featureRange(data [][]float64, feat int) (float64, float64) {
	lo, hi := data[0][feat], data[0][feat]
	for _, row := range data[1:] {
		if row[feat] < lo {
			lo = row[feat]
		}
		if row[feat] > hi {
			hi = row[feat]
		}
	}
	return lo, hi
}

// percentile с линейной интерполяцией (как numpy.percentile)
func percentile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
