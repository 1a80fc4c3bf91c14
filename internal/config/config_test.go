package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "trade"
log_level = "debug"

[gateway]
kind = "paper"
lock_backend = "local"
lock_ttl = "3s"
paper_max_fill = 2

[feed]
url = "ws://localhost:9100/quotes"
reconnect_delay = "500ms"

[[instruments]]
id = "ES"
multiplier = 50

[[instruments]]
id = "NQ"
multiplier = 20

[[pairs]]
leg1 = "ES"
leg2 = "NQ"
target_spread = "2.5"
direction = "BUY"
quantity = 1
tolerance = "30s"

[unwind]
interval = "2s"

[postgres]
enabled = true
dsn = "postgres://u:secret@db/pairbot"

[server]
port = 8080
api_key = "k"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.Gateway.LockTTL.Duration)
	assert.Equal(t, int64(2), cfg.Gateway.PaperMaxFill)
	assert.Equal(t, 500*time.Millisecond, cfg.Feed.ReconnectDelay.Duration)
	require.Len(t, cfg.Instruments, 2)
	require.Len(t, cfg.Pairs, 1)
	assert.Equal(t, 30*time.Second, cfg.Pairs[0].Tolerance.Duration)
	assert.Equal(t, 2*time.Second, cfg.Unwind.Interval.Duration)

	// untouched sections keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Unwind.CancelTimeout.Duration)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 8080, cfg.Server.Port)

	in, ok := cfg.Instrument("NQ")
	require.True(t, ok)
	assert.Equal(t, int64(20), in.Multiplier)
	_, ok = cfg.Instrument("CL")
	assert.False(t, ok)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PAIRBOT_MODE", "monitor")
	t.Setenv("PAIRBOT_UNWIND_INTERVAL", "250ms")
	t.Setenv("PAIRBOT_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("PAIRBOT_REDIS_POOL_SIZE", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Unwind.Interval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 20, cfg.Redis.PoolSize, "unparsable values are ignored")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	cfg.Gateway.Kind = "ib"
	cfg.Gateway.LockBackend = "redis"
	cfg.Instruments = []InstrumentConfig{{ID: "ES", Multiplier: 0}, {ID: "ES", Multiplier: 5}}
	cfg.Pairs = []PairConfig{{Leg1: "ES", Leg2: "CL", TargetSpread: "x", Direction: "HOLD"}}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "backtest"`,
		`unsupported kind "ib"`,
		"lock_backend redis requires redis.enabled",
		"instruments[0]: multiplier must be > 0",
		`instruments[1]: duplicate id "ES"`,
		`pairs[0]: unknown instrument "CL"`,
		`target_spread "x" is not a number`,
		"direction must be BUY or SELL",
		"pairs[0]: quantity must be > 0",
		"pairs[0]: tolerance must be > 0",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	red := RedactedConfig(cfg)
	assert.Equal(t, "***", red.Postgres.DSN)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "", red.Redis.Password, "empty secrets stay empty")

	red.Instruments[0].ID = "changed"
	assert.Equal(t, "ES", cfg.Instruments[0].ID)
	assert.Equal(t, "postgres://u:secret@db/pairbot", cfg.Postgres.DSN)
}
