package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.False(t, cfg.UsesDatabase())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("KERNEL_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("KERNEL_LOG_FORMAT", "JSON")
	t.Setenv("KERNEL_DATABASE_DSN", "postgres://kernel@localhost/kernel?sslmode=disable")
	t.Setenv("KERNEL_KEEPER_SCHEDULE", "*/5 * * * *")
	t.Setenv("KERNEL_HTTP_READ_TIMEOUT", "3s")
	t.Setenv("KERNEL_RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.UsesDatabase())
	assert.Equal(t, "*/5 * * * *", cfg.Keeper.Schedule)
	assert.Equal(t, 3*time.Second, cfg.HTTP.ReadTimeout)
	assert.InDelta(t, 2.5, cfg.HTTP.RateLimitRPS, 0.0001)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("KERNEL_REDIS_ADDR=localhost:6379\nKERNEL_EVENT_BUFFER=64\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("KERNEL_REDIS_ADDR")
		os.Unsetenv("KERNEL_EVENT_BUFFER")
	})

	cfg, err := Load(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 64, cfg.Events.BufferSize)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty addr":     func(c *Config) { c.HTTP.Addr = "" },
		"bad format":     func(c *Config) { c.Logging.Format = "xml" },
		"zero buffer":    func(c *Config) { c.Events.BufferSize = 0 },
		"no burst":       func(c *Config) { c.HTTP.RateLimitBurst = 0 },
		"negative rps":   func(c *Config) { c.HTTP.RateLimitRPS = -1 },
		"keeper no spec": func(c *Config) { c.Keeper.Schedule = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLoggerConfig(t *testing.T) {
	cfg := Default()
	lc := cfg.LoggerConfig()
	assert.Equal(t, "info", lc.Level)
	assert.Equal(t, "text", lc.Format)
}
