// Package config loads application configuration from environment
// variables, with an optional .env file for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"mdfeed/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Subscription
	Symbols  string `env:"SYMBOLS" envDefault:"BTCUSDT,ETHUSDT"`
	Interval string `env:"INTERVAL" envDefault:"1m"`

	// Exchange endpoints
	BinanceRestURL string `env:"BINANCE_REST_URL" envDefault:"https://api.binance.com"`
	BinanceWSURL   string `env:"BINANCE_WS_URL" envDefault:"wss://stream.binance.com:9443"`

	// Infrastructure
	ListenAddr    string `env:"LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr   string `env:"METRICS_ADDR" envDefault:":9090"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"data/klines.db"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:""`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`

	// Client fan-out
	EmitPartials      bool  `env:"WS_EMIT_PARTIALS" envDefault:"true"`
	PartialThrottleMs int64 `env:"WS_PARTIAL_THROTTLE_MS" envDefault:"0"`
	PingPeriodMs      int64 `env:"WS_PING_PERIOD_MS" envDefault:"30000"`
	PongTimeoutMs     int64 `env:"WS_PONG_TIMEOUT_MS" envDefault:"75000"`
	IdleTimeoutMs     int64 `env:"WS_IDLE_TIMEOUT_MS" envDefault:"90000"`
	QueueMaxMessages  int   `env:"WS_QUEUE_MAX_MESSAGES" envDefault:"500"`
	QueueMaxBytes     int64 `env:"WS_QUEUE_MAX_BYTES" envDefault:"15728640"`
	QueueStallMs      int64 `env:"WS_QUEUE_STALL_TIMEOUT_MS" envDefault:"20000"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads .env (when present) and then the environment.
func Load() (*Config, error) {
	// .env is optional; real deployments set the environment directly
	godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.ParseSymbols()) == 0 {
		return fmt.Errorf("config: SYMBOLS is empty")
	}
	if _, err := model.ParseInterval(c.Interval); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.QueueMaxMessages <= 0 || c.QueueMaxBytes <= 0 || c.QueueStallMs <= 0 {
		return fmt.Errorf("config: queue limits must be positive")
	}
	if c.PingPeriodMs <= 0 || c.PongTimeoutMs <= 0 || c.IdleTimeoutMs <= 0 {
		return fmt.Errorf("config: keepalive periods must be positive")
	}
	return nil
}

// ParseSymbols splits and normalizes the SYMBOLS list.
func (c *Config) ParseSymbols() []string {
	parts := strings.Split(c.Symbols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PartialThrottle returns the partial-broadcast throttle as a duration.
func (c *Config) PartialThrottle() time.Duration {
	return time.Duration(c.PartialThrottleMs) * time.Millisecond
}
