// Package config loads process configuration from the environment, the
// same caarlos0/env struct-tag + optional godotenv shape the teacher's ws
// submodule uses, replacing go-server's hand-rolled flag/os.Getenv loader.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable the hub reads from its environment.
type Config struct {
	// Ingress
	ListenAddr string `env:"HUB_LISTEN_ADDR" envDefault:":8080"`

	// Queue
	QueueMaxSize    int `env:"HUB_QUEUE_MAX_SIZE" envDefault:"0"` // 0 = unbounded
	DrainLookahead  int `env:"HUB_DRAIN_LOOKAHEAD" envDefault:"8"`
	RouteShardCount int `env:"HUB_ROUTE_SHARD_COUNT" envDefault:"64"`

	// QoS retry backoff. RetryBackoffBase and RetryBackoffCap are parsed but
	// not read by the QoS engine, which uses envelope.DefaultBackoffBase and
	// envelope.DefaultBackoffCap.
	RetryBackoffBase time.Duration `env:"HUB_RETRY_BACKOFF_BASE" envDefault:"1s"`
	RetryBackoffCap  time.Duration `env:"HUB_RETRY_BACKOFF_CAP" envDefault:"60s"`
	RetryPollInterval time.Duration `env:"HUB_RETRY_POLL_INTERVAL" envDefault:"200ms"`

	// Heartbeat
	HeartbeatPeriod time.Duration `env:"HUB_HEARTBEAT_PERIOD" envDefault:"30s"`
	GracePeriod     time.Duration `env:"HUB_GRACE_PERIOD" envDefault:"60s"`
	CheckPeriod     time.Duration `env:"HUB_CHECK_PERIOD" envDefault:"15s"`

	// Rate limiting (ingress, distinct from QoS retry backoff)
	RateLimitPerSender float64 `env:"HUB_RATE_LIMIT_PER_SENDER" envDefault:"50"`
	RateLimitBurst     int     `env:"HUB_RATE_LIMIT_BURST" envDefault:"100"`

	// Identity
	JWTSecret  string        `env:"HUB_JWT_SECRET" envDefault:"change-me-in-production"`
	JWTTokenTTL time.Duration `env:"HUB_JWT_TOKEN_TTL" envDefault:"24h"`

	// Transports
	NATSUrl string `env:"HUB_NATS_URL" envDefault:"nats://localhost:4222"`

	// Monitoring
	MetricsInterval time.Duration `env:"HUB_METRICS_INTERVAL" envDefault:"15s"`
	LogLevel        string        `env:"HUB_LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"HUB_LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (if present) then environment variables, parses into a
// Config, and validates it. logger is optional; pass nil before a logger
// exists (e.g. during early startup).
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks range and enum constraints the zero-value parse can't.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("HUB_LISTEN_ADDR is required")
	}
	if c.QueueMaxSize < 0 {
		return fmt.Errorf("HUB_QUEUE_MAX_SIZE must be >= 0, got %d", c.QueueMaxSize)
	}
	if c.DrainLookahead < 1 {
		return fmt.Errorf("HUB_DRAIN_LOOKAHEAD must be >= 1, got %d", c.DrainLookahead)
	}
	if c.RouteShardCount < 1 {
		return fmt.Errorf("HUB_ROUTE_SHARD_COUNT must be >= 1, got %d", c.RouteShardCount)
	}
	if c.HeartbeatPeriod <= 0 || c.GracePeriod <= 0 || c.CheckPeriod <= 0 {
		return fmt.Errorf("heartbeat periods must be positive durations")
	}
	if c.RateLimitPerSender <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("rate limit settings must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("HUB_LOG_LEVEL must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("HUB_LOG_FORMAT must be one of json|pretty, got %q", c.LogFormat)
	}
	return nil
}
