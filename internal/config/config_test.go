package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orderflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  sqlite_path: "/tmp/orderflow/test.db"
  journal_dir: "/tmp/orderflow/journal"
idempotency:
  ttl: 1h
validation:
  min_lot_size: 10
  max_order_value: 500000
  margin_check_enabled: true
  margin_limit: 250000
events:
  queue_size: 64
brokers:
  - name: "zerodha-mock"
    kind: "mock"
    active: true
  - name: "alpaca"
    kind: "alpaca"
    active: false
    submit_timeout: 2s
logging:
  level: "debug"
`)

	os.Unsetenv("SQLITE_PATH")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("IDEMPOTENCY_TTL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Storage.SQLitePath != "/tmp/orderflow/test.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if cfg.Idempotency.TTL != time.Hour {
		t.Errorf("Idempotency.TTL = %v, want 1h", cfg.Idempotency.TTL)
	}
	if cfg.Validation.MinLotSize != 10 {
		t.Errorf("Validation.MinLotSize = %v, want 10", cfg.Validation.MinLotSize)
	}
	if !cfg.Validation.MarginCheckEnabled {
		t.Error("Validation.MarginCheckEnabled = false, want true")
	}
	if cfg.Events.QueueSize != 64 {
		t.Errorf("Events.QueueSize = %d, want 64", cfg.Events.QueueSize)
	}
	if len(cfg.Brokers) != 2 {
		t.Fatalf("len(Brokers) = %d, want 2", len(cfg.Brokers))
	}
	if cfg.Brokers[0].Name != "zerodha-mock" || !cfg.Brokers[0].Active {
		t.Errorf("Brokers[0] = %+v, want active zerodha-mock", cfg.Brokers[0])
	}
	// Default submit timeout fills in when unset.
	if cfg.Brokers[0].SubmitTimeout != 5*time.Second {
		t.Errorf("Brokers[0].SubmitTimeout = %v, want 5s default", cfg.Brokers[0].SubmitTimeout)
	}
	if cfg.Brokers[1].SubmitTimeout != 2*time.Second {
		t.Errorf("Brokers[1].SubmitTimeout = %v, want 2s", cfg.Brokers[1].SubmitTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	os.Unsetenv("SQLITE_PATH")
	os.Unsetenv("SERVER_PORT")
	os.Unsetenv("IDEMPOTENCY_TTL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("Idempotency.TTL default = %v, want 24h", cfg.Idempotency.TTL)
	}
	if cfg.Validation.MaxOrderValue != 10_000_000 {
		t.Errorf("Validation.MaxOrderValue default = %v, want 10M", cfg.Validation.MaxOrderValue)
	}
	if cfg.Events.QueueSize != 1024 {
		t.Errorf("Events.QueueSize default = %d, want 1024", cfg.Events.QueueSize)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  sqlite_path: "/original/orderflow.db"
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
`)

	os.Setenv("SQLITE_PATH", "/env/orderflow.db")
	os.Setenv("ALPACA_API_KEY", "env-key")
	os.Setenv("IDEMPOTENCY_TTL", "30m")
	os.Unsetenv("APCA_API_KEY_ID")
	os.Unsetenv("APCA_API_SECRET_KEY")
	defer os.Unsetenv("SQLITE_PATH")
	defer os.Unsetenv("ALPACA_API_KEY")
	defer os.Unsetenv("IDEMPOTENCY_TTL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.SQLitePath != "/env/orderflow.db" {
		t.Errorf("Storage.SQLitePath = %q, want env override", cfg.Storage.SQLitePath)
	}
	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want env override", cfg.Alpaca.APIKey)
	}
	// api_secret stays from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want yaml-secret", cfg.Alpaca.APISecret)
	}
	if cfg.Idempotency.TTL != 30*time.Minute {
		t.Errorf("Idempotency.TTL = %v, want 30m", cfg.Idempotency.TTL)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if len(cfg.Brokers) != 2 {
		t.Fatalf("Default() registered %d brokers, want 2 mocks", len(cfg.Brokers))
	}
	for _, b := range cfg.Brokers {
		if b.Kind != "mock" || !b.Active {
			t.Errorf("Default() broker %+v, want active mock", b)
		}
	}
}
