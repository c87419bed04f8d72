package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sensor-anomaly/internal/cache"
	"sensor-anomaly/internal/config"
	"sensor-anomaly/internal/handlers"
	"sensor-anomaly/internal/logging"
	"sensor-anomaly/internal/metrics"
	"sensor-anomaly/internal/scoring"
	"sensor-anomaly/internal/service"
	"sensor-anomaly/internal/storage"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Sensor anomaly ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Err(); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (env ANOMALY_* overrides it)")
	return cmd
}

func run(cfg *config.Config) error {
	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting sensor anomaly service")

	// Модель загружается один раз и дальше только читается
	scorer, err := scoring.Load(cfg.Model.Path, cfg.Model.Version, logger)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	loaded := 0.0
	if scorer.Loaded() {
		loaded = 1
	}
	metrics.ModelLoaded.WithLabelValues(scorer.Version()).Set(loaded)

	ctx := context.Background()

	limits := storage.Limits{
		Default: cfg.Query.DefaultLimit,
		Min:     cfg.Query.MinLimit,
		Max:     cfg.Query.MaxLimit,
	}
	store, err := storage.Open(ctx, storage.Options{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout,
		Limits:      limits,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	logger.Info("prediction store ready", zap.String("path", cfg.Storage.Path))

	opts := []service.Option{
		service.WithLimits(limits),
		service.WithStoreTimeout(cfg.Storage.OpTimeout),
	}

	// Redis-лента необязательна: без нее сервис работает полностью
	if cfg.Redis.Enabled() {
		feed, err := connectFeed(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("anomaly feed disabled", zap.String("redis_addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			feed.Start(cfg.Redis.Workers)
			defer func() {
				feed.Stop()
				_ = feed.Close()
			}()
			opts = append(opts, service.WithFeed(feed))
			logger.Info("anomaly feed started",
				zap.String("redis_addr", cfg.Redis.Addr),
				zap.Int("workers", cfg.Redis.Workers),
			)
		}
	}

	svc := service.New(scorer, store, logger, opts...)
	handler := handlers.NewHandler(svc, logger, cfg.Server.MaxBodyBytes)

	// HTTP сервер
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      handlers.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

func connectFeed(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*cache.AnomalyFeed, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return cache.NewAnomalyFeed(ctx, cache.FeedConfig{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		TTL:        cfg.TTL,
		RecentSize: cfg.RecentSize,
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
	}, logger)
}
