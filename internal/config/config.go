// Package config defines the top-level configuration for the pair trading
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PAIRBOT_* environment variables.
type Config struct {
	Gateway     GatewayConfig      `toml:"gateway"`
	Feed        FeedConfig         `toml:"feed"`
	Instruments []InstrumentConfig `toml:"instruments"`
	Pairs       []PairConfig       `toml:"pairs"`
	Unwind      UnwindConfig       `toml:"unwind"`
	Postgres    PostgresConfig     `toml:"postgres"`
	Redis       RedisConfig        `toml:"redis"`
	S3          S3Config           `toml:"s3"`
	Server      ServerConfig       `toml:"server"`
	Metrics     MetricsConfig      `toml:"metrics"`
	Notify      NotifyConfig       `toml:"notify"`
	Mode        string             `toml:"mode"`
	LogLevel    string             `toml:"log_level"`
}

// GatewayConfig selects the execution venue binding and how order calls on
// one instrument are serialized.
type GatewayConfig struct {
	// Kind is the venue binding. Only "paper" ships in this repository.
	Kind string `toml:"kind"`
	// LockBackend is "local" for an in-process lock or "redis" to share
	// instrument locks between engines trading the same account.
	LockBackend string   `toml:"lock_backend"`
	LockTTL     duration `toml:"lock_ttl"`
	// PaperMaxFill caps the quantity the paper venue fills per quote; 0 fills
	// the whole order at once.
	PaperMaxFill int64 `toml:"paper_max_fill"`
}

// FeedConfig holds market data feed parameters.
type FeedConfig struct {
	URL            string   `toml:"url"`
	ReconnectDelay duration `toml:"reconnect_delay"`
}

// InstrumentConfig declares a tradable contract and its multiplier.
type InstrumentConfig struct {
	ID         string `toml:"id"`
	Multiplier int64  `toml:"multiplier"`
}

// PairConfig is a pair trade armed at startup.
type PairConfig struct {
	Leg1         string   `toml:"leg1"`
	Leg2         string   `toml:"leg2"`
	TargetSpread string   `toml:"target_spread"`
	Direction    string   `toml:"direction"`
	Quantity     int64    `toml:"quantity"`
	Tolerance    duration `toml:"tolerance"`
}

// UnwindConfig tunes the orchestrator's unwind loop.
type UnwindConfig struct {
	Interval      duration `toml:"interval"`
	CancelTimeout duration `toml:"cancel_timeout"`
	SubmitTimeout duration `toml:"submit_timeout"`
	HookTimeout   duration `toml:"hook_timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters for the pair order
// audit trail.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	QuoteTTL     duration `toml:"quote_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// SubmitTimeout bounds how long POST /api/pairs waits for the trigger.
	SubmitTimeout duration `toml:"submit_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Kind:        "paper",
			LockBackend: "local",
			LockTTL:     duration{10 * time.Second},
		},
		Feed: FeedConfig{
			ReconnectDelay: duration{2 * time.Second},
		},
		Unwind: UnwindConfig{
			Interval:      duration{time.Second},
			CancelTimeout: duration{5 * time.Second},
			SubmitTimeout: duration{5 * time.Second},
			HookTimeout:   duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "pairbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			QuoteTTL:     duration{time.Minute},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pairbot-archive",
			Prefix:         "pairs",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:       true,
			Port:          8000,
			CORSOrigins:   []string{"http://localhost:3000"},
			SubmitTimeout: duration{10 * time.Second},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Notify: NotifyConfig{
			Events: []string{"pair_finished", "error"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Instrument returns the configured instrument with the given id.
func (c *Config) Instrument(id string) (InstrumentConfig, bool) {
	for _, in := range c.Instruments {
		if in.ID == id {
			return in, true
		}
	}
	return InstrumentConfig{}, false
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Gateway
	if c.Gateway.Kind != "paper" {
		errs = append(errs, fmt.Sprintf("gateway: unsupported kind %q (valid: paper)", c.Gateway.Kind))
	}
	switch c.Gateway.LockBackend {
	case "local":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "gateway: lock_backend redis requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("gateway: unknown lock_backend %q (valid: local, redis)", c.Gateway.LockBackend))
	}
	if c.Gateway.PaperMaxFill < 0 {
		errs = append(errs, "gateway: paper_max_fill must be >= 0")
	}

	// Instruments
	seen := make(map[string]bool, len(c.Instruments))
	for i, in := range c.Instruments {
		if in.ID == "" {
			errs = append(errs, fmt.Sprintf("instruments[%d]: id must not be empty", i))
			continue
		}
		if seen[in.ID] {
			errs = append(errs, fmt.Sprintf("instruments[%d]: duplicate id %q", i, in.ID))
		}
		seen[in.ID] = true
		if in.Multiplier <= 0 {
			errs = append(errs, fmt.Sprintf("instruments[%d]: multiplier must be > 0", i))
		}
	}

	// Startup pairs
	for i, p := range c.Pairs {
		for _, leg := range []string{p.Leg1, p.Leg2} {
			if !seen[leg] {
				errs = append(errs, fmt.Sprintf("pairs[%d]: unknown instrument %q", i, leg))
			}
		}
		if p.Leg1 == p.Leg2 {
			errs = append(errs, fmt.Sprintf("pairs[%d]: leg1 and leg2 must differ", i))
		}
		if _, err := decimal.NewFromString(p.TargetSpread); err != nil {
			errs = append(errs, fmt.Sprintf("pairs[%d]: target_spread %q is not a number", i, p.TargetSpread))
		}
		if d := strings.ToUpper(p.Direction); d != "BUY" && d != "SELL" {
			errs = append(errs, fmt.Sprintf("pairs[%d]: direction must be BUY or SELL, got %q", i, p.Direction))
		}
		if p.Quantity <= 0 {
			errs = append(errs, fmt.Sprintf("pairs[%d]: quantity must be > 0", i))
		}
		if p.Tolerance.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("pairs[%d]: tolerance must be > 0", i))
		}
	}

	// Unwind
	if c.Unwind.Interval.Duration <= 0 {
		errs = append(errs, "unwind: interval must be > 0")
	}
	if c.Unwind.CancelTimeout.Duration <= 0 {
		errs = append(errs, "unwind: cancel_timeout must be > 0")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Sprintf("metrics: path must start with /, got %q", c.Metrics.Path))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
