package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streamclient.yaml")
	doc := `
connections:
  - name: binance-spot-majors
    venue: binance
    market: spot
    symbols: [btcusdt, ethusdt]
    trades: true
    bbo: true
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Connections) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(cfg.Connections))
	}
	conn := cfg.Connections[0]
	if conn.Symbols[0] != "BTCUSDT" {
		t.Errorf("expected uppercased symbol, got %q", conn.Symbols[0])
	}
	if conn.MaxReconnectAttempts != 10 {
		t.Errorf("expected default max reconnect attempts 10, got %d", conn.MaxReconnectAttempts)
	}
	if conn.BackoffInitial != "2s" || conn.BackoffMax != "60s" {
		t.Errorf("expected default backoff bounds, got %s/%s", conn.BackoffInitial, conn.BackoffMax)
	}
}

func TestValidateRejectsConnectionWithNoSubscriptions(t *testing.T) {
	cfg := Config{Connections: []ConnectionConfig{{Name: "x", Venue: "binance"}}}
	cfg.Normalise()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for connection with no subscriptions")
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	cfg := Config{Connections: []ConnectionConfig{
		{Name: "dup", Venue: "binance", Symbols: []string{"BTCUSDT"}, Trades: true},
		{Name: "dup", Venue: "binance", Symbols: []string{"ETHUSDT"}, Trades: true},
	}}
	cfg.Normalise()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate connection names")
	}
}

func TestDefaultIsValidOnItsOwnMinusConnections(t *testing.T) {
	cfg := Default()
	if cfg.Telemetry.ServiceName != "marketfeed" {
		t.Errorf("expected default service name, got %q", cfg.Telemetry.ServiceName)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Default() to still require at least one connection")
	}
}
