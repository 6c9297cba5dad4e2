// Package config loads store configuration from an optional YAML file
// overlaid with KLERK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "KLERK_"

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config is the full store configuration.
type Config struct {
	Storage   Storage   `yaml:"storage" envPrefix:"STORAGE_"`
	Scheduler Scheduler `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Jobs      Jobs      `yaml:"jobs" envPrefix:"JOBS_"`
	Log       Log       `yaml:"log" envPrefix:"LOG_"`
	Blob      Blob      `yaml:"blob" envPrefix:"BLOB_"`
	// TokenTTL bounds how long idempotency tokens stay valid.
	TokenTTL time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	// MaxSteps bounds the blocks and commands one command may cascade into.
	MaxSteps int `yaml:"max_steps" env:"MAX_STEPS"`
}

// Storage selects the persistence backend.
type Storage struct {
	Driver      string `yaml:"driver" env:"DRIVER"`
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
}

// Scheduler tunes the time trigger loop.
type Scheduler struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// Jobs tunes the durable job runner.
type Jobs struct {
	Workers       int           `yaml:"workers" env:"WORKERS"`
	MaxAttempts   int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Blob selects where snapshots are exported.
type Blob struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	FSRoot string `yaml:"fs_root" env:"FS_ROOT"`
	S3     S3     `yaml:"s3" envPrefix:"S3_"`
}

// S3 configures the S3 blob driver. Keys are optional; the default AWS
// credential chain applies without them.
type S3 struct {
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	PathStyle       bool   `yaml:"path_style" env:"PATH_STYLE"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Storage:   Storage{Driver: StorageMemory, SQLitePath: "klerk.db"},
		Scheduler: Scheduler{Interval: time.Second},
		Jobs: Jobs{
			Workers:       2,
			MaxAttempts:   5,
			RetryBackoff:  500 * time.Millisecond,
			RetryMaxDelay: time.Minute,
		},
		Log:      Log{Level: "info", Format: "text"},
		Blob:     Blob{Driver: "memory", FSRoot: "./snapshots", S3: S3{Region: "us-east-1"}},
		TokenTTL: 24 * time.Hour,
		MaxSteps: 1000,
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Storage.Driver) {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path required for sqlite"))
		}
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch strings.ToLower(c.Blob.Driver) {
	case "memory", "fs":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token_ttl must be positive"))
	}
	if c.Jobs.Workers <= 0 {
		errs = append(errs, errors.New("jobs.workers must be positive"))
	}
	if c.Jobs.MaxAttempts <= 0 {
		errs = append(errs, errors.New("jobs.max_attempts must be positive"))
	}
	if c.MaxSteps <= 0 {
		errs = append(errs, errors.New("max_steps must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
