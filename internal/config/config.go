// Package config loads daemon settings from the environment and the pipeline
// bootstrap state from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/R3E-Network/kernel_layer/pkg/logger"
)

// Config is the daemon configuration. Every field maps to a KERNEL_*
// environment variable.
type Config struct {
	HTTP     HTTPConfig
	Logging  LoggingConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Events   EventsConfig
	Keeper   KeeperConfig

	// PipelineFile points at the YAML bootstrap state. Empty uses
	// DefaultPipelineConfig.
	PipelineFile     string `env:"KERNEL_PIPELINE_FILE"`
	MetricsNamespace string `env:"KERNEL_METRICS_NAMESPACE,default=kernel"`
}

type HTTPConfig struct {
	Addr            string        `env:"KERNEL_HTTP_ADDR,default=:8080"`
	RateLimitRPS    float64       `env:"KERNEL_RATE_LIMIT_RPS,default=20"`
	RateLimitBurst  int           `env:"KERNEL_RATE_LIMIT_BURST,default=40"`
	ReadTimeout     time.Duration `env:"KERNEL_HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"KERNEL_HTTP_WRITE_TIMEOUT,default=15s"`
	ShutdownTimeout time.Duration `env:"KERNEL_SHUTDOWN_TIMEOUT,default=10s"`
	// AuditFile appends mutating requests as JSON lines when set.
	AuditFile string `env:"KERNEL_HTTP_AUDIT_FILE"`
}

type LoggingConfig struct {
	Level  string `env:"KERNEL_LOG_LEVEL,default=info"`
	Format string `env:"KERNEL_LOG_FORMAT,default=text"`
	Output string `env:"KERNEL_LOG_OUTPUT,default=stdout"`
}

// DatabaseConfig selects persistence. An empty DSN keeps every store in memory.
type DatabaseConfig struct {
	DSN          string `env:"KERNEL_DATABASE_DSN"`
	AutoMigrate  bool   `env:"KERNEL_DATABASE_MIGRATE,default=true"`
	MaxOpenConns int    `env:"KERNEL_DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns int    `env:"KERNEL_DATABASE_MAX_IDLE_CONNS,default=5"`
}

// RedisConfig enables the event stream sink when Addr is set.
type RedisConfig struct {
	Addr     string `env:"KERNEL_REDIS_ADDR"`
	Password string `env:"KERNEL_REDIS_PASSWORD"`
	DB       int    `env:"KERNEL_REDIS_DB,default=0"`
	Stream   string `env:"KERNEL_REDIS_STREAM,default=kernel:pipeline:events"`
	MaxLen   int64  `env:"KERNEL_REDIS_STREAM_MAXLEN,default=10000"`
}

type EventsConfig struct {
	BufferSize int `env:"KERNEL_EVENT_BUFFER,default=1024"`
}

type KeeperConfig struct {
	Enabled  bool   `env:"KERNEL_KEEPER_ENABLED,default=true"`
	Schedule string `env:"KERNEL_KEEPER_SCHEDULE,default=@every 1m"`
}

// Load reads envFiles (missing files are ignored), then decodes the
// environment. Variables already set win over the files.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !isNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	cfg.normalize()
	return cfg, cfg.Validate()
}

// Default returns the configuration produced by an empty environment.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			RateLimitRPS:    20,
			RateLimitBurst:  40,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:          LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Database:         DatabaseConfig{AutoMigrate: true, MaxOpenConns: 10, MaxIdleConns: 5},
		Redis:            RedisConfig{Stream: "kernel:pipeline:events", MaxLen: 10000},
		Events:           EventsConfig{BufferSize: 1024},
		Keeper:           KeeperConfig{Enabled: true, Schedule: "@every 1m"},
		MetricsNamespace: "kernel",
	}
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	c.PipelineFile = strings.TrimSpace(c.PipelineFile)
	c.HTTP.AuditFile = strings.TrimSpace(c.HTTP.AuditFile)
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http address is required")
	}
	if c.HTTP.RateLimitRPS < 0 || c.HTTP.RateLimitBurst < 0 {
		return errors.New("rate limit must not be negative")
	}
	if c.HTTP.RateLimitRPS > 0 && c.HTTP.RateLimitBurst == 0 {
		return errors.New("rate limit burst must be positive when rps is set")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if c.Events.BufferSize <= 0 {
		return errors.New("event buffer size must be positive")
	}
	if c.Keeper.Enabled && strings.TrimSpace(c.Keeper.Schedule) == "" {
		return errors.New("keeper schedule is required when the keeper is enabled")
	}
	return nil
}

// LoggerConfig converts the logging section for pkg/logger.
func (c Config) LoggerConfig() logger.LoggingConfig {
	return logger.LoggingConfig{Level: c.Logging.Level, Format: c.Logging.Format, Output: c.Logging.Output}
}

// UsesDatabase reports whether Postgres stores are configured.
func (c Config) UsesDatabase() bool { return c.Database.DSN != "" }

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
