// Package config assembles runtime configuration from defaults, an
// optional YAML file, and HIVE_* environment variables, in that order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration validation failures; callers map it to
// exit code 2.
var ErrInvalid = errors.New("invalid configuration")

// Checkpoint backends the CLI can construct.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the full runtime configuration.
type Config struct {
	// Environment is "production" or anything else; production requires
	// a credential key.
	Environment string `yaml:"environment"`

	// CredentialKey is the symmetric key for the credential store.
	CredentialKey string `yaml:"credential_key"`

	// CheckpointBackend selects the CheckpointStore implementation.
	CheckpointBackend string `yaml:"checkpoint_backend"`

	// CheckpointRoot is the filesystem root for the file backend.
	CheckpointRoot string `yaml:"checkpoint_root"`

	// CheckpointDSN is the connection string for the sqlite, redis and
	// postgres backends.
	CheckpointDSN string `yaml:"checkpoint_dsn"`

	// MaxStreamConcurrency is the per-stream execution ceiling.
	MaxStreamConcurrency int `yaml:"max_stream_concurrency"`

	// LLMTimeout bounds one LLM call.
	LLMTimeout time.Duration `yaml:"llm_timeout"`

	// ToolTimeout bounds one tool call.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// LogLevel is a golog level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Environment:          "development",
		CheckpointBackend:    BackendMemory,
		CheckpointRoot:       defaultCheckpointRoot(),
		MaxStreamConcurrency: 16,
		LLMTimeout:           120 * time.Second,
		ToolTimeout:          30 * time.Second,
		LogLevel:             "info",
	}
}

func defaultCheckpointRoot() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "hive", "checkpoints")
	}
	return filepath.Join(".", "checkpoints")
}

// Load builds the configuration: defaults, then the YAML file at path
// when non-empty, then HIVE_* environment overrides. The result is
// validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	return nil
}

// applyEnv overrides fields from HIVE_* environment variables.
func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("HIVE_ENV"); ok {
		c.Environment = v
	}
	if v, ok := os.LookupEnv("HIVE_CREDENTIAL_KEY"); ok {
		c.CredentialKey = v
	}
	if v, ok := os.LookupEnv("HIVE_CHECKPOINT_BACKEND"); ok {
		c.CheckpointBackend = v
	}
	if v, ok := os.LookupEnv("HIVE_CHECKPOINT_ROOT"); ok {
		c.CheckpointRoot = v
	}
	if v, ok := os.LookupEnv("HIVE_CHECKPOINT_DSN"); ok {
		c.CheckpointDSN = v
	}
	if v, ok := os.LookupEnv("HIVE_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("HIVE_MAX_STREAM_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: HIVE_MAX_STREAM_CONCURRENCY=%q is not an integer", ErrInvalid, v)
		}
		c.MaxStreamConcurrency = n
	}
	if d, err := envMillis("HIVE_LLM_TIMEOUT_MS"); err != nil {
		return err
	} else if d > 0 {
		c.LLMTimeout = d
	}
	if d, err := envMillis("HIVE_TOOL_TIMEOUT_MS"); err != nil {
		return err
	} else if d > 0 {
		c.ToolTimeout = d
	}
	return nil
}

func envMillis(name string) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%w: %s=%q is not a positive integer of milliseconds", ErrInvalid, name, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Production reports whether the configuration targets production.
func (c Config) Production() bool {
	return c.Environment == "production"
}

// Validate checks invariants; failures wrap ErrInvalid.
func (c Config) Validate() error {
	if c.Production() && c.CredentialKey == "" {
		return fmt.Errorf("%w: set HIVE_CREDENTIAL_KEY in production", ErrInvalid)
	}
	if c.MaxStreamConcurrency < 1 {
		return fmt.Errorf("%w: max_stream_concurrency must be at least 1, got %d", ErrInvalid, c.MaxStreamConcurrency)
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("%w: llm_timeout must be positive", ErrInvalid)
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("%w: tool_timeout must be positive", ErrInvalid)
	}
	switch c.CheckpointBackend {
	case BackendMemory:
	case BackendFile:
		if c.CheckpointRoot == "" {
			return fmt.Errorf("%w: file checkpoint backend needs HIVE_CHECKPOINT_ROOT", ErrInvalid)
		}
	case BackendSQLite, BackendRedis, BackendPostgres:
		if c.CheckpointDSN == "" {
			return fmt.Errorf("%w: %s checkpoint backend needs HIVE_CHECKPOINT_DSN", ErrInvalid, c.CheckpointBackend)
		}
	default:
		return fmt.Errorf("%w: unknown checkpoint backend %q", ErrInvalid, c.CheckpointBackend)
	}
	return nil
}
