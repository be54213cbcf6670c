// Package config loads the orderflow YAML configuration and applies
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the order orchestration service.
type Config struct {
	Server      Server      `yaml:"server"`
	Storage     Storage     `yaml:"storage"`
	Idempotency Idempotency `yaml:"idempotency"`
	Validation  Validation  `yaml:"validation"`
	Events      Events      `yaml:"events"`
	Brokers     []Broker    `yaml:"brokers"`
	Alpaca      Alpaca      `yaml:"alpaca"`
	Logging     Logging     `yaml:"logging"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Storage holds paths for durable state.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	JournalDir string `yaml:"journal_dir"` // parquet event journal; empty disables it
}

// Idempotency configures the idempotency ledger.
type Idempotency struct {
	TTL time.Duration `yaml:"ttl"` // how long a key shields against replays
}

// Validation holds pre-trade validation limits.
type Validation struct {
	MinLotSize         float64 `yaml:"min_lot_size"`
	MaxOrderValue      float64 `yaml:"max_order_value"`
	MarginCheckEnabled bool    `yaml:"margin_check_enabled"`
	MarginLimit        float64 `yaml:"margin_limit"`
}

// Events configures the best-effort lifecycle event publisher.
type Events struct {
	QueueSize int `yaml:"queue_size"`
}

// Broker declares one connector to register at startup.
type Broker struct {
	Name          string            `yaml:"name"`
	Kind          string            `yaml:"kind"` // "mock" or "alpaca"
	Active        bool              `yaml:"active"`
	SubmitTimeout time.Duration     `yaml:"submit_timeout"`
	Settings      map[string]string `yaml:"settings"`
}

// Alpaca holds credentials for the Alpaca trading API, used by connectors of
// kind "alpaca".
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, fills in
// defaults, and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Default returns a usable configuration without reading any file. Mock
// connectors for both stock brokers are active so the service can run
// end-to-end with no external dependencies.
func Default() *Config {
	cfg := &Config{
		Brokers: []Broker{
			{Name: "zerodha-mock", Kind: "mock", Active: true},
			{Name: "alpaca-mock", Kind: "mock", Active: true},
		},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8083
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/orderflow.db"
	}
	if cfg.Idempotency.TTL == 0 {
		cfg.Idempotency.TTL = 24 * time.Hour
	}
	if cfg.Validation.MinLotSize == 0 {
		cfg.Validation.MinLotSize = 1
	}
	if cfg.Validation.MaxOrderValue == 0 {
		cfg.Validation.MaxOrderValue = 10_000_000
	}
	if cfg.Validation.MarginLimit == 0 {
		cfg.Validation.MarginLimit = 1_000_000
	}
	if cfg.Events.QueueSize == 0 {
		cfg.Events.QueueSize = 1024
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	for i := range cfg.Brokers {
		if cfg.Brokers[i].SubmitTimeout == 0 {
			cfg.Brokers[i].SubmitTimeout = 5 * time.Second
		}
	}
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("JOURNAL_DIR"); v != "" {
		cfg.Storage.JournalDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("IDEMPOTENCY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Idempotency.TTL = d
		}
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK) win over
	// everything else.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
