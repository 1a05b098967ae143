// Package config loads service configuration from a TOML or YAML file, an
// optional .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
	Engine    EngineConfig    `toml:"engine" yaml:"engine"`
	Benchmark BenchmarkConfig `toml:"benchmark" yaml:"benchmark"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           string   `toml:"port" yaml:"port"`
	ReadTimeout    string   `toml:"read_timeout" yaml:"read_timeout"`
	RequestTimeout string   `toml:"request_timeout" yaml:"request_timeout"`
	CORSOrigins    []string `toml:"cors_origins" yaml:"cors_origins"`
}

// StoreConfig selects and configures persistence. DatabaseURL wins over
// SQLitePath; with neither set the in-memory store is used.
type StoreConfig struct {
	DatabaseURL string `toml:"database_url" yaml:"database_url"`
	RedisURL    string `toml:"redis_url" yaml:"redis_url"`
	SQLitePath  string `toml:"sqlite_path" yaml:"sqlite_path"`
	CacheTTL    string `toml:"cache_ttl" yaml:"cache_ttl"`
}

// EngineConfig tunes reconstruction.
type EngineConfig struct {
	Workers    int   `toml:"workers" yaml:"workers"`
	AllowShort *bool `toml:"allow_short" yaml:"allow_short"`
	Checkpoint *bool `toml:"checkpoint" yaml:"checkpoint"`
}

// BenchmarkConfig names the instrument returns are compared against.
type BenchmarkConfig struct {
	Instrument string `toml:"instrument" yaml:"instrument"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the file at path (if any), then the .env file at envPath (or
// ./.env when empty, ignored if missing), applies environment overrides and
// defaults, and validates the result.
func Load(path, envPath string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension (want .toml, .yaml or .yml)", path)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("PORT", &cfg.Server.Port)
	setString("DATABASE_URL", &cfg.Store.DatabaseURL)
	setString("REDIS_URL", &cfg.Store.RedisURL)
	setString("SQLITE_PATH", &cfg.Store.SQLitePath)
	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("BENCHMARK_INSTRUMENT", &cfg.Benchmark.Instrument)

	if v := os.Getenv("ENGINE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ENGINE_WORKERS: %w", err)
		}
		cfg.Engine.Workers = n
	}
	if v := os.Getenv("ENGINE_ALLOW_SHORT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ENGINE_ALLOW_SHORT: %w", err)
		}
		cfg.Engine.AllowShort = &b
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = "10s"
	}
	if cfg.Server.RequestTimeout == "" {
		cfg.Server.RequestTimeout = "30s"
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Store.CacheTTL == "" {
		cfg.Store.CacheTTL = "30s"
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Engine.AllowShort == nil {
		t := true
		cfg.Engine.AllowShort = &t
	}
	if cfg.Engine.Checkpoint == nil {
		t := true
		cfg.Engine.Checkpoint = &t
	}
	if cfg.Benchmark.Instrument == "" {
		cfg.Benchmark.Instrument = "SPY"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Benchmark.Instrument = strings.ToUpper(strings.TrimSpace(cfg.Benchmark.Instrument))
}

func validate(cfg *Config) error {
	if p, err := strconv.Atoi(cfg.Server.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("server.port %q is not a valid port", cfg.Server.Port)
	}
	for name, v := range map[string]string{
		"server.read_timeout":    cfg.Server.ReadTimeout,
		"server.request_timeout": cfg.Server.RequestTimeout,
		"store.cache_ttl":        cfg.Store.CacheTTL,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.Engine.Workers > 1024 {
		return errors.New("engine.workers must be at most 1024")
	}
	if cfg.Store.RedisURL != "" && cfg.Store.DatabaseURL == "" && cfg.Store.SQLitePath == "" {
		return errors.New("store.redis_url requires store.database_url or store.sqlite_path")
	}
	return nil
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// ReadTimeout is the parsed server.read_timeout.
func (c *Config) ReadTimeout() time.Duration { return mustDuration(c.Server.ReadTimeout) }

// RequestTimeout is the parsed server.request_timeout.
func (c *Config) RequestTimeout() time.Duration { return mustDuration(c.Server.RequestTimeout) }

// CacheTTL is the parsed store.cache_ttl.
func (c *Config) CacheTTL() time.Duration { return mustDuration(c.Store.CacheTTL) }

// AllowShort reports engine.allow_short.
func (c *Config) AllowShort() bool { return c.Engine.AllowShort == nil || *c.Engine.AllowShort }

// CheckpointEnabled reports engine.checkpoint.
func (c *Config) CheckpointEnabled() bool { return c.Engine.Checkpoint == nil || *c.Engine.Checkpoint }
