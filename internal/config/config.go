package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"imcore/pkg/store"
)

// ConfigPath is the default location of the YAML configuration.
const ConfigPath = "config.yaml"

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Backend                 string `yaml:"backend"`
	DatabaseURL             string `yaml:"databaseURL"`
	Isolation               string `yaml:"isolation"`
	MaxSerializableAttempts int    `yaml:"maxSerializableAttempts"`
	RetryDelayMillis        int    `yaml:"retryDelayMillis"`
	LogLevel                string `yaml:"logLevel"`
	SweepIntervalSeconds    int    `yaml:"sweepIntervalSeconds"`
	RedisAddr               string `yaml:"redisAddr"`
	RedisPassword           string `yaml:"redisPassword"`
	EventStream             string `yaml:"eventStream"`
	EventStreamMaxLen       int64  `yaml:"eventStreamMaxLen"`
	AMQPURL                 string `yaml:"amqpURL"`
	AMQPExchange            string `yaml:"amqpExchange"`
	MinioEndpoint           string `yaml:"minioEndpoint"`
	MinioAccessKey          string `yaml:"minioAccessKey"`
	MinioSecretKey          string `yaml:"minioSecretKey"`
	MinioBucket             string `yaml:"minioBucket"`
	MinioUseSSL             bool   `yaml:"minioUseSSL"`
	SnapshotKey             string `yaml:"snapshotKey"`
}

// Load reads config from path (defaults to config.yaml), applies IMCORE_*
// environment overrides and fills defaults.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	str("IMCORE_BACKEND", &cfg.Backend)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("IMCORE_DATABASE_URL", &cfg.DatabaseURL)
	str("IMCORE_ISOLATION", &cfg.Isolation)
	num("IMCORE_MAX_SERIALIZABLE_ATTEMPTS", &cfg.MaxSerializableAttempts)
	num("IMCORE_RETRY_DELAY_MILLIS", &cfg.RetryDelayMillis)
	str("IMCORE_LOG_LEVEL", &cfg.LogLevel)
	num("IMCORE_SWEEP_INTERVAL_SECONDS", &cfg.SweepIntervalSeconds)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	str("IMCORE_EVENT_STREAM", &cfg.EventStream)
	if v := os.Getenv("IMCORE_EVENT_STREAM_MAX_LEN"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.EventStreamMaxLen = n
		}
	}
	str("IMCORE_AMQP_URL", &cfg.AMQPURL)
	str("IMCORE_AMQP_EXCHANGE", &cfg.AMQPExchange)
	str("MINIO_ENDPOINT", &cfg.MinioEndpoint)
	str("MINIO_ACCESS_KEY", &cfg.MinioAccessKey)
	str("MINIO_SECRET_KEY", &cfg.MinioSecretKey)
	str("MINIO_BUCKET", &cfg.MinioBucket)
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	str("IMCORE_SNAPSHOT_KEY", &cfg.SnapshotKey)
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Backend == "" {
		cfg.Backend = BackendMemory
	}
	if cfg.MaxSerializableAttempts == 0 {
		cfg.MaxSerializableAttempts = store.DefaultMaxAttempts
	}
	if cfg.RetryDelayMillis == 0 {
		cfg.RetryDelayMillis = 1
	}
	if cfg.SweepIntervalSeconds == 0 {
		cfg.SweepIntervalSeconds = 60
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SnapshotKey == "" {
		cfg.SnapshotKey = "imcore/snapshot.json"
	}
}

func validateConfig(cfg FileConfig) error {
	switch cfg.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("config: backend must be %q or %q, got %q", BackendMemory, BackendPostgres, cfg.Backend)
	}
	if cfg.Backend == BackendPostgres && strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required for the postgres backend (set in config.yaml or DATABASE_URL)")
	}
	if _, err := store.ParseIsolation(cfg.Isolation); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.MaxSerializableAttempts < 1 {
		return errors.New("config: maxSerializableAttempts must be >= 1")
	}
	if cfg.RetryDelayMillis < 0 {
		return errors.New("config: retryDelayMillis must be >= 0")
	}
	if cfg.SweepIntervalSeconds < 0 {
		return errors.New("config: sweepIntervalSeconds must be >= 0")
	}
	if cfg.MinioEndpoint != "" && strings.TrimSpace(cfg.MinioBucket) == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	return nil
}

// IsolationLevel returns the parsed default isolation level.
func (c FileConfig) IsolationLevel() store.Isolation {
	iso, err := store.ParseIsolation(c.Isolation)
	if err != nil {
		return store.ReadCommitted
	}
	return iso
}

func (c FileConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMillis) * time.Millisecond
}

// SweepInterval is zero when periodic sweeping is disabled.
func (c FileConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
