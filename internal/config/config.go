// Package config загружает конфигурацию сервиса: значения по умолчанию,
// затем YAML-файл (если указан), затем переменные окружения ANOMALY_*.
//
// Пример: ANOMALY_STORAGE_PATH=/var/lib/anomaly/events.db, ANOMALY_REDIS_ADDR=localhost:6379.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "ANOMALY"

// Config конфигурация приложения
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Model   ModelConfig   `mapstructure:"model"`
	Storage StorageConfig `mapstructure:"storage"`
	Query   QueryConfig   `mapstructure:"query"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig HTTP сервер
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// ModelConfig артефакт модели
type ModelConfig struct {
	Path    string `mapstructure:"path"`
	Version string `mapstructure:"version"`
}

// StorageConfig хранилище предсказаний
type StorageConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
}

// QueryConfig границы limit для /latest_anomalies
type QueryConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MinLimit     int `mapstructure:"min_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

// RedisConfig лента аномалий; пустой Addr отключает ленту
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	TTL        time.Duration `mapstructure:"ttl"`
	RecentSize int64         `mapstructure:"recent_size"`
	Workers    int           `mapstructure:"workers"`
	QueueSize  int           `mapstructure:"queue_size"`
}

// LoggingConfig логирование
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Enabled лента включена
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// setDefaults значения по умолчанию
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("model.path", "models/isoforest.json")
	v.SetDefault("model.version", "isoforest-v1")

	v.SetDefault("storage.path", "data/events.db")
	v.SetDefault("storage.busy_timeout", 5*time.Second)
	v.SetDefault("storage.op_timeout", 5*time.Second)

	v.SetDefault("query.default_limit", 10)
	v.SetDefault("query.min_limit", 1)
	v.SetDefault("query.max_limit", 100)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("redis.recent_size", 100)
	v.SetDefault("redis.workers", 4)
	v.SetDefault("redis.queue_size", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("logging.max_age_days", 30)
}

// Load читает конфигурацию. path может быть пустым: тогда используются
// только значения по умолчанию и окружение.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate проверяет конфигурацию и возвращает все найденные ошибки
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes))
	}
	if c.Model.Version == "" {
		errs = append(errs, errors.New("model.version must not be empty"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path must not be empty"))
	}
	if c.Storage.OpTimeout <= 0 {
		errs = append(errs, fmt.Errorf("storage.op_timeout must be positive, got %s", c.Storage.OpTimeout))
	}

	q := c.Query
	if q.MinLimit < 1 {
		errs = append(errs, fmt.Errorf("query.min_limit must be >= 1, got %d", q.MinLimit))
	}
	if q.MaxLimit < q.MinLimit {
		errs = append(errs, fmt.Errorf("query.max_limit (%d) must be >= query.min_limit (%d)", q.MaxLimit, q.MinLimit))
	}
	if q.DefaultLimit < q.MinLimit || q.DefaultLimit > q.MaxLimit {
		errs = append(errs, fmt.Errorf("query.default_limit (%d) must be within [%d, %d]", q.DefaultLimit, q.MinLimit, q.MaxLimit))
	}

	if c.Redis.Enabled() {
		if c.Redis.Workers < 1 {
			errs = append(errs, fmt.Errorf("redis.workers must be >= 1, got %d", c.Redis.Workers))
		}
		if c.Redis.QueueSize < 1 {
			errs = append(errs, fmt.Errorf("redis.queue_size must be >= 1, got %d", c.Redis.QueueSize))
		}
		if c.Redis.RecentSize < 1 {
			errs = append(errs, fmt.Errorf("redis.recent_size must be >= 1, got %d", c.Redis.RecentSize))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	return errs
}

// Err объединяет ошибки Validate в одну
func (c *Config) Err() error {
	errs := c.Validate()
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}
