package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sensor-anomaly/internal/logging"
	"sensor-anomaly/internal/model"
	"sensor-anomaly/internal/scoring"
	"sensor-anomaly/internal/simulator"
)

// sampleRows сколько строк обучающей выборки сохраняется для просмотра
const sampleRows = 200

type options struct {
	n             int
	seed          int64
	contamination float64
	trees         int
	maxSamples    int
	modelPath     string
	metaPath      string
	samplePath    string
}

// metadata описание обученного артефакта
type metadata struct {
	ModelType     string   `json:"model_type"`
	Features      []string `json:"features"`
	NSamples      int      `json:"n_samples"`
	NumTrees      int      `json:"num_trees"`
	MaxSamples    int      `json:"max_samples"`
	Contamination float64  `json:"contamination"`
	Offset        float64  `json:"offset"`
	RandomState   int64    `json:"random_state"`
	Artifact      string   `json:"artifact"`
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	defaults := model.DefaultParams()
	o := &options{}

	cmd := &cobra.Command{
		Use:           "train",
		Short:         "Train the station Isolation Forest on a synthetic normal stream",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Options{Level: "info", Format: "console"})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return train(o, logger)
		},
	}

	f := cmd.Flags()
	f.IntVar(&o.n, "n", 5000, "number of normal samples to generate")
	f.Int64Var(&o.seed, "seed", defaults.Seed, "random seed for the stream and the forest")
	f.Float64Var(&o.contamination, "contamination", defaults.Contamination, "expected anomaly rate at inference time")
	f.IntVar(&o.trees, "trees", defaults.NumTrees, "number of isolation trees")
	f.IntVar(&o.maxSamples, "max-samples", defaults.MaxSamples, "sub-sample size per tree")
	f.StringVar(&o.modelPath, "model", "models/isoforest.json", "output artifact path")
	f.StringVar(&o.metaPath, "meta", "models/model_meta.json", "output metadata path")
	f.StringVar(&o.samplePath, "sample", "data/training_sample.csv", "output sample CSV path (empty to skip)")
	return cmd
}

func train(o *options, logger *zap.Logger) error {
	if o.n <= 0 {
		return fmt.Errorf("--n must be positive, got %d", o.n)
	}

	readings := simulator.Generate(o.n, o.seed)
	data := make([][]float64, len(readings))
	for i, r := range readings {
		data[i] = r.Features()
	}

	forest, err := model.Fit(data, model.Params{
		NumTrees:      o.trees,
		MaxSamples:    o.maxSamples,
		Contamination: o.contamination,
		Seed:          o.seed,
	})
	if err != nil {
		return fmt.Errorf("failed to fit model: %w", err)
	}
	forest.FeatureNames = scoring.FeatureOrder

	if err := forest.Save(o.modelPath); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}

	meta := metadata{
		ModelType:     forest.ModelType,
		Features:      forest.FeatureNames,
		NSamples:      o.n,
		NumTrees:      len(forest.Trees),
		MaxSamples:    forest.SubSampleSize,
		Contamination: o.contamination,
		Offset:        forest.Offset,
		RandomState:   o.seed,
		Artifact:      filepath.ToSlash(o.modelPath),
	}
	if err := writeMeta(o.metaPath, meta); err != nil {
		return err
	}

	if o.samplePath != "" {
		if err := writeSample(o.samplePath, readings); err != nil {
			return err
		}
	}

	logger.Info("training complete",
		zap.String("model", o.modelPath),
		zap.String("metadata", o.metaPath),
		zap.String("sample", o.samplePath),
		zap.Int("trees", len(forest.Trees)),
		zap.Float64("offset", forest.Offset),
	)
	return nil
}

func writeMeta(path string, meta metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metadata dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func writeSample(path string, readings []simulator.Reading) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create sample dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create sample: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	_ = w.Write(scoring.FeatureOrder)
	for i, r := range readings {
		if i == sampleRows {
			break
		}
		_ = w.Write([]string{
			strconv.FormatFloat(r.TemperatureC, 'f', -1, 64),
			strconv.FormatFloat(r.HumidityPct, 'f', -1, 64),
			strconv.FormatFloat(r.SoundDB, 'f', -1, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}
	return nil
}
