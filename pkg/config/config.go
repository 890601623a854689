// Package config loads runtime settings from the environment and spending
// policies from a YAML file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ihoward40/SintraPrime-sub001/pkg/artifacts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/crypto"
	"github.com/ihoward40/SintraPrime-sub001/pkg/observability"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds process configuration.
type Config struct {
	Store       string
	DatabaseURL string
	SQLitePath  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	SigningAlg    string
	SigningSecret string
	SigningKeyID  string

	IdempotencyTTL time.Duration
	ApprovalTTL    time.Duration
	PolicyFile     string

	LogLevel  string
	LogFormat string

	Observability *observability.Config
	Artifacts     artifacts.Config
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Store:         strings.ToLower(env("GOV_STORE", StoreSQLite)),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SQLitePath:    env("SQLITE_PATH", "data/govkernel.db"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisPrefix:   env("REDIS_PREFIX", "govkernel:"),
		SigningAlg:    env("GOV_SIGNING_ALG", crypto.AlgHMACSHA256),
		SigningSecret: os.Getenv("GOV_SIGNING_SECRET"),
		SigningKeyID:  env("GOV_SIGNING_KEY_ID", "default"),
		PolicyFile:    os.Getenv("GOV_POLICY_FILE"),
		LogLevel:      env("LOG_LEVEL", "INFO"),
		LogFormat:     env("LOG_FORMAT", "text"),
		Artifacts: artifacts.Config{
			Type:       os.Getenv("ARTIFACT_STORAGE_TYPE"),
			DataDir:    env("DATA_DIR", "data"),
			S3Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
			S3Region:   os.Getenv("ARTIFACT_S3_REGION"),
			S3Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			S3Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
			GCSBucket:  os.Getenv("ARTIFACT_GCS_BUCKET"),
			GCSPrefix:  os.Getenv("ARTIFACT_GCS_PREFIX"),
		},
	}

	var err error
	if cfg.IdempotencyTTL, err = envDuration("GOV_IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ApprovalTTL, err = envDuration("GOV_APPROVAL_TTL", 72*time.Hour); err != nil {
		return nil, err
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if cfg.RedisDB, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("REDIS_DB: %w", err)
		}
	}

	obs := observability.DefaultConfig()
	obs.Enabled = os.Getenv("OTEL_ENABLED") == "true"
	obs.OTLPEndpoint = env("OTEL_EXPORTER_OTLP_ENDPOINT", obs.OTLPEndpoint)
	obs.Environment = env("GOV_ENVIRONMENT", obs.Environment)
	obs.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") != "false"
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if obs.SampleRate, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
	}
	cfg.Observability = obs

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when GOV_STORE=postgres")
		}
	default:
		return fmt.Errorf("GOV_STORE: unsupported store %q", c.Store)
	}
	switch c.SigningAlg {
	case crypto.AlgHMACSHA256, crypto.AlgEd25519:
	default:
		return fmt.Errorf("GOV_SIGNING_ALG: unsupported algorithm %q", c.SigningAlg)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("GOV_IDEMPOTENCY_TTL must be positive")
	}
	if c.ApprovalTTL <= 0 {
		return fmt.Errorf("GOV_APPROVAL_TTL must be positive")
	}
	return nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.LogLevel)}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
