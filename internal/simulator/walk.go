// Package simulator генерирует показания станции: случайное блуждание
// с возвратом к базовой линии и, опционально, внедренные аномалии.
package simulator

import (
	"math"
	"math/rand"
)

// Базовые значения нормального режима
const (
	BaseTemperatureC = 70.0
	BaseHumidityPct  = 45.0
	BaseSoundDB      = 65.0
)

// Шаги случайного блуждания
const (
	TemperatureStep = 0.4
	HumidityStep    = 0.6
	SoundStep       = 0.5
)

// Reversion доля отклонения от базовой линии, убираемая за шаг
const Reversion = 0.02

// DefaultAnomalyProb вероятность аномалии на событие
const DefaultAnomalyProb = 0.03

// Reading одно показание
type Reading struct {
	TemperatureC float64
	HumidityPct  float64
	SoundDB      float64
}

// Features вектор признаков в порядке модели
func (r Reading) Features() []float64 {
	return []float64{r.TemperatureC, r.HumidityPct, r.SoundDB}
}

// Rounded показание, округленное до двух знаков
func (r Reading) Rounded() Reading {
	return Reading{
		TemperatureC: round2(r.TemperatureC),
		HumidityPct:  round2(r.HumidityPct),
		SoundDB:      round2(r.SoundDB),
	}
}

// Walk случайное блуждание с возвратом к среднему. Не потокобезопасен.
type Walk struct {
	rng     *rand.Rand
	current Reading
}

// NewWalk создает блуждание вблизи базовой линии
func NewWalk(rng *rand.Rand) *Walk {
	return &Walk{
		rng: rng,
		current: Reading{
			TemperatureC: BaseTemperatureC + uniform(rng, -1, 1),
			HumidityPct:  BaseHumidityPct + uniform(rng, -2, 2),
			SoundDB:      BaseSoundDB + uniform(rng, -2, 2),
		},
	}
}

// Next делает шаг и возвращает нормальное показание
func (w *Walk) Next() Reading {
	c := w.current

	c.TemperatureC += uniform(w.rng, -TemperatureStep, TemperatureStep)
	c.HumidityPct += uniform(w.rng, -HumidityStep, HumidityStep)
	c.SoundDB += uniform(w.rng, -SoundStep, SoundStep)

	c.TemperatureC += (BaseTemperatureC - c.TemperatureC) * Reversion
	c.HumidityPct += (BaseHumidityPct - c.HumidityPct) * Reversion
	c.SoundDB += (BaseSoundDB - c.SoundDB) * Reversion

	c.TemperatureC = clamp(c.TemperatureC, 40, 120)
	c.HumidityPct = clamp(c.HumidityPct, 10, 90)
	c.SoundDB = clamp(c.SoundDB, 30, 110)

	w.current = c
	return c
}

// Generate n нормальных показаний
func Generate(n int, seed int64) []Reading {
	w := NewWalk(rand.New(rand.NewSource(seed)))
	out := make([]Reading, n)
	for i := range out {
		out[i] = w.Next()
	}
	return out
}

// AnomalyKind вид внедренной аномалии
type AnomalyKind string

const (
	NoAnomaly  AnomalyKind = ""
	TempSpike  AnomalyKind = "temp_spike"
	HumSpike   AnomalyKind = "hum_spike"
	SoundSpike AnomalyKind = "sound_spike"
	Multi      AnomalyKind = "multi"
)

var anomalyKinds = []AnomalyKind{TempSpike, HumSpike, SoundSpike, Multi}

// Injector с вероятностью Prob добавляет к показанию всплеск.
// Состояние блуждания не меняется: всплеск только в отправленном событии.
type Injector struct {
	Prob float64
	rng  *rand.Rand
}

// NewInjector создает инжектор; prob < 0 означает DefaultAnomalyProb
func NewInjector(rng *rand.Rand, prob float64) *Injector {
	if prob < 0 {
		prob = DefaultAnomalyProb
	}
	return &Injector{Prob: prob, rng: rng}
}

// Apply возвращает показание и вид внедренной аномалии
func (in *Injector) Apply(r Reading) (Reading, AnomalyKind) {
	if in.rng.Float64() >= in.Prob {
		return r, NoAnomaly
	}

	kind := anomalyKinds[in.rng.Intn(len(anomalyKinds))]
	switch kind {
	case TempSpike:
		r.TemperatureC += uniform(in.rng, 8, 18)
	case HumSpike:
		r.HumidityPct += uniform(in.rng, 12, 25)
	case SoundSpike:
		r.SoundDB += uniform(in.rng, 8, 20)
	case Multi:
		r.TemperatureC += uniform(in.rng, 6, 14)
		r.HumidityPct += uniform(in.rng, 10, 20)
		r.SoundDB += uniform(in.rng, 6, 16)
	}
	return r, kind
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
