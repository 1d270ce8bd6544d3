// Package config handles boxd configuration via YAML files and environment
// variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (BOXD_*)
//  2. Config file (boxd.yaml)
//  3. Built-in defaults
//
// Environment variables:
//   - BOXD_DATA_DIR="./data"
//   - BOXD_IN_MEMORY=true
//   - BOXD_RECORD_CACHE_SIZE=4096
//   - BOXD_QUERY_ATTEMPTS=3
//   - BOXD_QUERY_RETRY_BACKOFF=10ms
//   - BOXD_REACTIVE_POOL_SIZE=4
//   - BOXD_LOG_LEVEL="info" | "debug" | "warn" | "error"
//   - BOXD_LOG_FORMAT="text" | "json"
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all boxd configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Query    QueryConfig    `yaml:"query"`
	Reactive ReactiveConfig `yaml:"reactive"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig configures the storage engine.
type DatabaseConfig struct {
	// DataDir is the badger data directory.
	DataDir string `yaml:"data_dir"`
	// InMemory runs the engine without disk persistence.
	InMemory bool `yaml:"in_memory"`
	// RecordCacheSize bounds the hot record cache (0 = default, <0 = off).
	RecordCacheSize int `yaml:"record_cache_size"`
}

// QueryConfig configures transactional retry behavior.
type QueryConfig struct {
	// Attempts is the read-transaction retry budget on recoverable conflicts.
	Attempts int `yaml:"attempts"`
	// InitialRetryBackoff is the sleep before the first retry; it doubles
	// after every further conflict.
	InitialRetryBackoff time.Duration `yaml:"initial_retry_backoff"`
}

// ReactiveConfig configures subscription delivery.
type ReactiveConfig struct {
	// PoolSize bounds the worker pool delivering query updates to observers.
	PoolSize int `yaml:"pool_size"`
}

// LoggingConfig configures the slog logger built by NewLogger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			DataDir: "./data",
		},
		Query: QueryConfig{
			Attempts:            3,
			InitialRetryBackoff: 10 * time.Millisecond,
		},
		Reactive: ReactiveConfig{
			PoolSize: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile reads a YAML config file on top of the defaults, then applies
// environment overrides.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFromEnv returns the defaults with environment overrides applied.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BOXD_DATA_DIR"); v != "" {
		c.Database.DataDir = v
	}
	if v := os.Getenv("BOXD_IN_MEMORY"); v != "" {
		c.Database.InMemory = parseBool(v, c.Database.InMemory)
	}
	if v := os.Getenv("BOXD_RECORD_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Database.RecordCacheSize = n
		}
	}
	if v := os.Getenv("BOXD_QUERY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Query.Attempts = n
		}
	}
	if v := os.Getenv("BOXD_QUERY_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Query.InitialRetryBackoff = d
		}
	}
	if v := os.Getenv("BOXD_REACTIVE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reactive.PoolSize = n
		}
	}
	if v := os.Getenv("BOXD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BOXD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return b
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if !c.Database.InMemory && c.Database.DataDir == "" {
		return fmt.Errorf("config: data_dir required unless in_memory is set")
	}
	if c.Query.Attempts < 1 {
		return fmt.Errorf("config: query attempts must be >= 1, got %d", c.Query.Attempts)
	}
	if c.Query.InitialRetryBackoff < 0 {
		return fmt.Errorf("config: initial retry backoff must not be negative")
	}
	if c.Reactive.PoolSize < 1 {
		return fmt.Errorf("config: reactive pool size must be >= 1, got %d", c.Reactive.PoolSize)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	return nil
}

// NewLogger builds a slog.Logger from the logging section.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Logging.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// FindConfigFile returns the first config file found in conventional
// locations, or empty when none exists.
func FindConfigFile() string {
	candidates := []string{
		"boxd.yaml",
		"boxd.yml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "boxd", "boxd.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
