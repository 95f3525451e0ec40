// Package config loads the node configuration from a YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full node configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	CatalogDir string           `yaml:"catalog_dir"`
	// HandlersDir holds compiled WASM handler modules, registered by
	// file basename. Optional when handlers are registered in code.
	HandlersDir string `yaml:"handlers_dir"`
	Nodes      NodesConfig      `yaml:"nodes"`
	Capability CapabilityConfig `yaml:"capability"`
	Committer  CommitterConfig  `yaml:"committer"`
	Store      StoreConfig      `yaml:"store"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// NodesConfig sizes the execution node pool.
type NodesConfig struct {
	Count    int    `yaml:"count"`
	IDPrefix string `yaml:"id_prefix"`
}

// CapabilityConfig tunes the invocation layer.
type CapabilityConfig struct {
	CallTimeout      time.Duration `yaml:"call_timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RatePerSecond    float64       `yaml:"rate_per_second"`
	// GatewayURL points at the external chain gateway. When empty the
	// runtime starts without chain access and EVM capabilities fail.
	GatewayURL string `yaml:"gateway_url"`
}

// CommitterConfig bounds report submission.
type CommitterConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	ConfirmInterval time.Duration `yaml:"confirm_interval"`
	ConfirmWait     time.Duration `yaml:"confirm_wait"`
}

// StoreConfig selects the commit store backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "postgres", "redis".
	Backend     string        `yaml:"backend"`
	SQLitePath  string        `yaml:"sqlite_path"`
	PostgresDSN string        `yaml:"postgres_dsn"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisTTL    time.Duration `yaml:"redis_ttl"`
}

// TelemetryConfig configures the OTLP export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Environment  string `yaml:"environment"`
	Insecure     bool   `yaml:"insecure"`
}

// Default returns a runnable single-process configuration.
func Default() *Config {
	return &Config{
		LogLevel:   "INFO",
		CatalogDir: "catalog",
		Nodes:      NodesConfig{Count: 4, IDPrefix: "node"},
		Capability: CapabilityConfig{
			CallTimeout:      30 * time.Second,
			MaxResponseBytes: 1 << 20,
			MaxAttempts:      3,
		},
		Committer: CommitterConfig{
			MaxAttempts:     3,
			ConfirmInterval: 2 * time.Second,
			ConfirmWait:     60 * time.Second,
		},
		Store: StoreConfig{Backend: "sqlite", SQLitePath: "ciel.db"},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			Environment:  "development",
		},
	}
}

// Load reads the YAML file at path (skipped when empty), then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CIEL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CIEL_HANDLERS_DIR"); v != "" {
		c.HandlersDir = v
	}
	if v := os.Getenv("CIEL_CATALOG_DIR"); v != "" {
		c.CatalogDir = v
	}
	if v := os.Getenv("CIEL_NODE_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Nodes.Count = n
		}
	}
	if v := os.Getenv("CIEL_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("CIEL_SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("CIEL_POSTGRES_DSN"); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := os.Getenv("CIEL_REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
	}
	if v := os.Getenv("CIEL_GATEWAY_URL"); v != "" {
		c.Capability.GatewayURL = v
	}
	if v := os.Getenv("CIEL_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
}

func (c *Config) validate() error {
	if c.Nodes.Count < 1 {
		return fmt.Errorf("config: nodes.count must be at least 1, got %d", c.Nodes.Count)
	}
	switch c.Store.Backend {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("config: postgres backend requires postgres_dsn")
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		return fmt.Errorf("config: redis backend requires redis_addr")
	}
	return nil
}
