// Package config loads engine configuration: defaults, then a TOML file,
// then environment variables, with env winning.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	EventBus EventBusConfig `toml:"event_bus"`
	Retry    RetryConfig    `toml:"retry"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Addr               string `toml:"addr"`
	WorkerPoolDefault  int    `toml:"worker_pool_default"`
	RunMaxLifetimeSecs int    `toml:"run_max_lifetime_secs"`
}

type StoreConfig struct {
	Driver      string `toml:"driver"` // "memory", "sqlite", "postgres"
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
	RetainFor   string `toml:"retain_for"` // e.g. "168h", memstore only
}

type EventBusConfig struct {
	QueueDepth int `toml:"queue_depth"`
}

type RetryConfig struct {
	BackoffBaseMS int `toml:"backoff_base_ms"`
	BackoffCapMS  int `toml:"backoff_cap_ms"`
}

type SandboxConfig struct {
	Kind    string `toml:"kind"` // "http", "docker"
	HTTPURL string `toml:"http_url"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:               ":8080",
			WorkerPoolDefault:  8,
			RunMaxLifetimeSecs: 3600,
		},
		Store: StoreConfig{
			Driver:     "memory",
			SQLitePath: "pipelinecore.db",
			RetainFor:  "168h",
		},
		EventBus: EventBusConfig{QueueDepth: 64},
		Retry:    RetryConfig{BackoffBaseMS: 500, BackoffCapMS: 30000},
		Sandbox:  SandboxConfig{Kind: "http", HTTPURL: "http://localhost:9000"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "pipelinecore.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("ENGINE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := envInt("ENGINE_WORKER_POOL_DEFAULT"); v != 0 {
		cfg.Server.WorkerPoolDefault = v
	}
	if v := envInt("ENGINE_RUN_MAX_LIFETIME"); v != 0 {
		cfg.Server.RunMaxLifetimeSecs = v
	}
	if v := os.Getenv("ENGINE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ENGINE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("ENGINE_POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := envInt("ENGINE_EVENT_BUS_QUEUE_DEPTH"); v != 0 {
		cfg.EventBus.QueueDepth = v
	}
	if v := envInt("ENGINE_RETRY_BACKOFF_BASE_MS"); v != 0 {
		cfg.Retry.BackoffBaseMS = v
	}
	if v := envInt("ENGINE_RETRY_BACKOFF_CAP_MS"); v != 0 {
		cfg.Retry.BackoffCapMS = v
	}
	if v := os.Getenv("ENGINE_SANDBOX_KIND"); v != "" {
		cfg.Sandbox.Kind = v
	}
	if v := os.Getenv("ENGINE_SANDBOX_HTTP_URL"); v != "" {
		cfg.Sandbox.HTTPURL = v
	}
	if os.Getenv("ENGINE_OBSERVER_ENABLED") == "true" || os.Getenv("ENGINE_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// RetainForDuration parses Store.RetainFor, falling back to 7 days on a
// bad value.
func (c Config) RetainForDuration() time.Duration {
	d, err := time.ParseDuration(c.Store.RetainFor)
	if err != nil {
		return 168 * time.Hour
	}
	return d
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
