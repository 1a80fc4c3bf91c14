package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PAIRBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PAIRBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Instruments and startup pairs are only configurable from the file.
func applyEnvOverrides(cfg *Config) {
	// ── Gateway ──
	setStr(&cfg.Gateway.Kind, "PAIRBOT_GATEWAY_KIND")
	setStr(&cfg.Gateway.LockBackend, "PAIRBOT_GATEWAY_LOCK_BACKEND")
	setDuration(&cfg.Gateway.LockTTL, "PAIRBOT_GATEWAY_LOCK_TTL")
	setInt64(&cfg.Gateway.PaperMaxFill, "PAIRBOT_GATEWAY_PAPER_MAX_FILL")

	// ── Feed ──
	setStr(&cfg.Feed.URL, "PAIRBOT_FEED_URL")
	setDuration(&cfg.Feed.ReconnectDelay, "PAIRBOT_FEED_RECONNECT_DELAY")

	// ── Unwind ──
	setDuration(&cfg.Unwind.Interval, "PAIRBOT_UNWIND_INTERVAL")
	setDuration(&cfg.Unwind.CancelTimeout, "PAIRBOT_UNWIND_CANCEL_TIMEOUT")
	setDuration(&cfg.Unwind.SubmitTimeout, "PAIRBOT_UNWIND_SUBMIT_TIMEOUT")
	setDuration(&cfg.Unwind.HookTimeout, "PAIRBOT_UNWIND_HOOK_TIMEOUT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "PAIRBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "PAIRBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PAIRBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PAIRBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PAIRBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PAIRBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PAIRBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PAIRBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PAIRBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PAIRBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PAIRBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PAIRBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PAIRBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PAIRBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PAIRBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PAIRBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PAIRBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PAIRBOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.QuoteTTL, "PAIRBOT_REDIS_QUOTE_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "PAIRBOT_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PAIRBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PAIRBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PAIRBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PAIRBOT_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "PAIRBOT_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "PAIRBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PAIRBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PAIRBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PAIRBOT_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PAIRBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PAIRBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "PAIRBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "PAIRBOT_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.SubmitTimeout, "PAIRBOT_SERVER_SUBMIT_TIMEOUT")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "PAIRBOT_METRICS_ENABLED")
	setStr(&cfg.Metrics.Path, "PAIRBOT_METRICS_PATH")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PAIRBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PAIRBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PAIRBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PAIRBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PAIRBOT_MODE")
	setStr(&cfg.LogLevel, "PAIRBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
