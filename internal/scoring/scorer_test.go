package scoring

import (
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sensor-anomaly/internal/model"
	"sensor-anomaly/internal/models"
)

// fakeArtifact возвращает заданные значения и запоминает признаки
type fakeArtifact struct {
	mu        sync.Mutex
	normality float64
	label     int
	seen      [][]float64
}

func (f *fakeArtifact) ScoreContinuous(features []float64) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, append([]float64(nil), features...))
	return f.normality
}

func (f *fakeArtifact) Classify(features []float64) int {
	return f.label
}

func event(temp, hum, sound float64) models.SensorEvent {
	return models.SensorEvent{
		StationID:    "s1",
		Sequence:     1,
		Timestamp:    "2025-01-01T00:00:00Z",
		TemperatureC: temp,
		HumidityPct:  hum,
		SoundDB:      sound,
	}
}

func TestScore_Degraded(t *testing.T) {
	s := New(nil, "isoforest-v1", "models/isoforest.json")

	for _, e := range []models.SensorEvent{event(70, 45, 65), event(-50, 0, 0), event(200, 100, 200)} {
		res := s.Score(e)
		assert.Equal(t, 0.0, res.Score)
		assert.False(t, res.IsAnomaly)
		assert.Equal(t, "isoforest-v1", res.ModelVersion)
	}
	assert.False(t, s.Loaded())
	assert.Equal(t, "models/isoforest.json", s.Path())
}

func TestScore_InvertsSign(t *testing.T) {
	art := &fakeArtifact{normality: -0.42, label: model.NormalLabel}
	s := New(art, "v", "")

	res := s.Score(event(70, 45, 65))
	assert.Equal(t, 0.42, res.Score)
	assert.False(t, res.IsAnomaly)

	art.normality = 0.3
	res = s.Score(event(70, 45, 65))
	assert.Equal(t, -0.3, res.Score)
}

func TestScore_FeatureOrder(t *testing.T) {
	art := &fakeArtifact{label: model.NormalLabel}
	s := New(art, "v", "")

	s.Score(event(1, 2, 3))

	require.Len(t, art.seen, 1)
	assert.Equal(t, []float64{1, 2, 3}, art.seen[0], "temperature_c, humidity_pct, sound_db")
}

func TestScore_FlagNotReconciledWithScore(t *testing.T) {
	// низкий score, но классификатор говорит "аномалия"
	s := New(&fakeArtifact{normality: 0.9, label: model.AnomalyLabel}, "v", "")
	res := s.Score(event(70, 45, 65))
	assert.True(t, res.IsAnomaly)
	assert.Equal(t, -0.9, res.Score)

	// высокий score, но "норма"
	s = New(&fakeArtifact{normality: -0.99, label: model.NormalLabel}, "v", "")
	res = s.Score(event(70, 45, 65))
	assert.False(t, res.IsAnomaly)
	assert.Equal(t, 0.99, res.Score)
}

func trainForest(t *testing.T) *model.IsolationForest {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	rows := make([][]float64, 800)
	for i := range rows {
		rows[i] = []float64{70 + rng.NormFloat64(), 45 + rng.NormFloat64(), 65 + rng.NormFloat64()}
	}
	forest, err := model.Fit(rows, model.Params{NumTrees: 100, MaxSamples: 256, Contamination: 0.03, Seed: 1})
	require.NoError(t, err)
	return forest
}

func TestScore_OutlierScoresHigher(t *testing.T) {
	forest := trainForest(t)
	s := New(forest, "isoforest-v1", "")

	near := event(70, 45, 65)
	far := event(150, 95, 190)

	// сама модель считает дальнюю точку менее нормальной
	require.Less(t, forest.ScoreContinuous(far.Features()), forest.ScoreContinuous(near.Features()))

	a := s.Score(near)
	b := s.Score(far)
	assert.Greater(t, b.Score, a.Score)
	assert.True(t, b.IsAnomaly)
	assert.False(t, a.IsAnomaly)
}

func TestScore_Concurrent(t *testing.T) {
	s := New(trainForest(t), "v", "")
	want := s.Score(event(80, 50, 70))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.Equal(t, want, s.Score(event(80, 50, 70)))
			}
		}()
	}
	wg.Wait()
}

func TestLoad_MissingArtifactIsDegraded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "isoforest.json")

	s, err := Load(path, "isoforest-v1", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, s.Loaded())
	assert.Equal(t, "isoforest-v1", s.Version())
	assert.Equal(t, path, s.Path())
}

func TestLoad_Artifact(t *testing.T) {
	forest := trainForest(t)
	forest.FeatureNames = FeatureOrder
	path := filepath.Join(t.TempDir(), "isoforest.json")
	require.NoError(t, forest.Save(path))

	s, err := Load(path, "isoforest-v2", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, s.Loaded())
	assert.Equal(t, "isoforest-v2", s.Score(event(70, 45, 65)).ModelVersion)
}

func TestLoad_RejectsWrongFeatureOrder(t *testing.T) {
	forest := trainForest(t)
	forest.FeatureNames = []string{"sound_db", "humidity_pct", "temperature_c"}
	path := filepath.Join(t.TempDir(), "isoforest.json")
	require.NoError(t, forest.Save(path))

	_, err := Load(path, "v", zaptest.NewLogger(t))
	assert.Error(t, err)
}
