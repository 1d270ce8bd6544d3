package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "./data", cfg.Database.DataDir)
	assert.False(t, cfg.Database.InMemory)
	assert.Equal(t, 3, cfg.Query.Attempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Query.InitialRetryBackoff)
	assert.Equal(t, 4, cfg.Reactive.PoolSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "boxd.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
database:
  data_dir: /var/lib/boxd
  record_cache_size: 1024
query:
  attempts: 5
  initial_retry_backoff: 25ms
logging:
  format: json
`), 0o644))

		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/boxd", cfg.Database.DataDir)
		assert.Equal(t, 1024, cfg.Database.RecordCacheSize)
		assert.Equal(t, 5, cfg.Query.Attempts)
		assert.Equal(t, 25*time.Millisecond, cfg.Query.InitialRetryBackoff)
		assert.Equal(t, "json", cfg.Logging.Format)

		// Untouched sections keep their defaults.
		assert.Equal(t, 4, cfg.Reactive.PoolSize)
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("missing file fails", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "boxd.yaml")
		require.NoError(t, os.WriteFile(path, []byte("database: ["), 0o644))

		_, err := LoadFromFile(path)
		assert.Error(t, err)
	})
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BOXD_DATA_DIR", "/tmp/boxd-test")
	t.Setenv("BOXD_IN_MEMORY", "true")
	t.Setenv("BOXD_QUERY_ATTEMPTS", "7")
	t.Setenv("BOXD_QUERY_RETRY_BACKOFF", "50ms")
	t.Setenv("BOXD_REACTIVE_POOL_SIZE", "16")
	t.Setenv("BOXD_LOG_LEVEL", "debug")

	cfg := LoadFromEnv()
	assert.Equal(t, "/tmp/boxd-test", cfg.Database.DataDir)
	assert.True(t, cfg.Database.InMemory)
	assert.Equal(t, 7, cfg.Query.Attempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Query.InitialRetryBackoff)
	assert.Equal(t, 16, cfg.Reactive.PoolSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("query:\n  attempts: 5\n"), 0o644))
	t.Setenv("BOXD_QUERY_ATTEMPTS", "9")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Query.Attempts)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir without in-memory", func(c *Config) { c.Database.DataDir = "" }},
		{"zero attempts", func(c *Config) { c.Query.Attempts = 0 }},
		{"negative backoff", func(c *Config) { c.Query.InitialRetryBackoff = -time.Second }},
		{"zero pool size", func(c *Config) { c.Reactive.PoolSize = 0 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("in-memory needs no data dir", func(t *testing.T) {
		cfg := Default()
		cfg.Database.DataDir = ""
		cfg.Database.InMemory = true
		assert.NoError(t, cfg.Validate())
	})
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg := Default()
		cfg.Logging.Level = level
		assert.NotNil(t, cfg.NewLogger())
	}

	cfg := Default()
	cfg.Logging.Format = "json"
	assert.NotNil(t, cfg.NewLogger())
}
