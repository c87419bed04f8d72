package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sensor-anomaly/internal/logging"
	"sensor-anomaly/internal/models"
	"sensor-anomaly/internal/simulator"
)

type options struct {
	url         string
	interval    time.Duration
	count       int
	stationID   string
	anomalyProb float64
	seed        int64
	timeout     time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:           "simulate",
		Short:         "Stream synthetic station readings to the /predict endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Options{Level: "info", Format: "console"})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if o.seed == 0 {
				o.seed = time.Now().UnixNano()
			}
			_, err = stream(ctx, o, &http.Client{Timeout: o.timeout}, logger)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.url, "url", "http://127.0.0.1:5000/predict", "predict endpoint")
	f.DurationVar(&o.interval, "interval", time.Second, "delay between events")
	f.IntVar(&o.count, "count", 0, "number of events to send, 0 = run until interrupted")
	f.StringVar(&o.stationID, "station", "station_001", "station_id of the generated events")
	f.Float64Var(&o.anomalyProb, "anomaly-prob", simulator.DefaultAnomalyProb, "probability of injecting an anomaly")
	f.Int64Var(&o.seed, "seed", 0, "random seed, 0 = time based")
	f.DurationVar(&o.timeout, "timeout", 3*time.Second, "HTTP request timeout")
	return cmd
}

// stream отправляет события до отмены ctx или до count штук.
// Ошибка отправки логируется и не прерывает поток.
func stream(ctx context.Context, o *options, client *http.Client, logger *zap.Logger) (int, error) {
	rng := rand.New(rand.NewSource(o.seed))
	walk := simulator.NewWalk(rng)
	injector := simulator.NewInjector(rng, o.anomalyProb)

	logger.Info("streaming events", zap.String("url", o.url), zap.Duration("interval", o.interval))

	var seq int64
	for {
		seq++
		reading, kind := injector.Apply(walk.Next())
		reading = reading.Rounded()

		event := models.SensorEvent{
			StationID:    o.stationID,
			Sequence:     seq,
			Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
			TemperatureC: reading.TemperatureC,
			HumidityPct:  reading.HumidityPct,
			SoundDB:      reading.SoundDB,
		}

		status, body, err := send(ctx, client, o.url, event)
		if err != nil {
			logger.Warn("failed to post event", zap.Int64("sequence", seq), zap.Error(err))
		} else {
			logger.Info("event sent",
				zap.Int64("sequence", seq),
				zap.String("injected", string(kind)),
				zap.Int("status", status),
				zap.String("response", truncate(body, 120)),
			)
		}

		if o.count > 0 && seq >= int64(o.count) {
			logger.Info("done", zap.Int64("sent", seq))
			return int(seq), nil
		}

		select {
		case <-ctx.Done():
			return int(seq), nil
		case <-time.After(o.interval):
		}
	}
}

func send(ctx context.Context, client *http.Client, url string, event models.SensorEvent) (int, string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, "", fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
