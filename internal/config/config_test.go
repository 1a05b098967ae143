package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "DATABASE_URL", "REDIS_URL", "SQLITE_PATH", "LOG_LEVEL",
		"BENCHMARK_INSTRUMENT", "ENGINE_WORKERS", "ENGINE_ALLOW_SHORT",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout())
	assert.Equal(t, 30*time.Second, cfg.CacheTTL())
	assert.True(t, cfg.AllowShort())
	assert.True(t, cfg.CheckpointEnabled())
	assert.Equal(t, "SPY", cfg.Benchmark.Instrument)
	assert.Positive(t, cfg.Engine.Workers)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
}

func TestLoad_TOML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "engine.toml", `
[server]
port = "9090"
request_timeout = "5s"

[store]
sqlite_path = "/tmp/ledger.db"
cache_ttl = "1m"

[engine]
workers = 4
allow_short = false

[benchmark]
instrument = "qqq"
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout())
	assert.Equal(t, "/tmp/ledger.db", cfg.Store.SQLitePath)
	assert.Equal(t, time.Minute, cfg.CacheTTL())
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.False(t, cfg.AllowShort())
	assert.Equal(t, "QQQ", cfg.Benchmark.Instrument)
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "engine.yaml", `
server:
  port: "7070"
  cors_origins: ["https://app.example.com"]
engine:
  checkpoint: false
log:
  level: debug
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.False(t, cfg.CheckpointEnabled())
	assert.True(t, cfg.AllowShort())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "engine.toml", "[server]\nport = \"9090\"\n")
	t.Setenv("PORT", "6060")
	t.Setenv("ENGINE_ALLOW_SHORT", "false")
	t.Setenv("ENGINE_WORKERS", "2")

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "6060", cfg.Server.Port)
	assert.False(t, cfg.AllowShort())
	assert.Equal(t, 2, cfg.Engine.Workers)
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	// godotenv never overrides variables that are already set, so unset it.
	require.NoError(t, os.Unsetenv("SQLITE_PATH"))
	t.Cleanup(func() { os.Unsetenv("SQLITE_PATH") })
	env := writeFile(t, ".env", "SQLITE_PATH=/data/pnl.db\n")

	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, "/data/pnl.db", cfg.Store.SQLitePath)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := Load(writeFile(t, "engine.json", "{}"), "")
	assert.ErrorContains(t, err, "unsupported extension")

	_, err = Load(writeFile(t, "bad.toml", "[server]\nport = \"abc\"\n"), "")
	assert.ErrorContains(t, err, "server.port")

	_, err = Load(writeFile(t, "ttl.toml", "[store]\ncache_ttl = \"soon\"\n"), "")
	assert.ErrorContains(t, err, "store.cache_ttl")

	_, err = Load(writeFile(t, "redis.toml", "[store]\nredis_url = \"redis://localhost:6379\"\n"), "")
	assert.ErrorContains(t, err, "redis_url")

	t.Setenv("ENGINE_WORKERS", "many")
	_, err = Load("", "")
	assert.ErrorContains(t, err, "ENGINE_WORKERS")
}
