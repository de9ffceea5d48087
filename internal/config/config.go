// Package config loads the YAML-driven description of which venue
// connections a streamclient process should run: a Normalise method that
// fills in derived defaults, and a Validate method that runs semantic checks
// the zero value and partial YAML can't express on their own.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnectionConfig describes one managed WebSocket connection to one venue
// market.
type ConnectionConfig struct {
	Name     string   `yaml:"name"`
	Venue    string   `yaml:"venue"`
	Market   string   `yaml:"market"`
	ProxyURL string   `yaml:"proxy_url"`
	Symbols  []string `yaml:"symbols"`

	Trades        bool `yaml:"trades"`
	Orderbook     bool `yaml:"orderbook"`
	OrderbookTopK int  `yaml:"orderbook_top_k"`
	BBO           bool `yaml:"bbo"`
	Ticker        bool `yaml:"ticker"`

	CandleIntervals []string `yaml:"candle_intervals"`

	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	BackoffInitial       string `yaml:"backoff_initial"`
	BackoffMax           string `yaml:"backoff_max"`
	HandshakeTimeout     string `yaml:"handshake_timeout"`
}

// TelemetryConfig configures the OpenTelemetry metrics provider.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
}

// Config is the top-level streamclient configuration document.
type Config struct {
	Connections []ConnectionConfig `yaml:"connections"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
}

// Default returns the telemetry defaults with no connections; Validate
// rejects it until at least one connection is added.
func Default() Config {
	cfg := Config{
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "marketfeed",
		},
	}
	cfg.Normalise()
	return cfg
}

// Load reads and parses the YAML document at path, normalises it, and
// validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Normalise trims whitespace and fills in derived defaults. It never fails;
// Validate is responsible for rejecting configuration that is still
// incomplete after normalisation.
func (c *Config) Normalise() {
	if c == nil {
		return
	}
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "marketfeed"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.Environment = strings.TrimSpace(c.Telemetry.Environment)

	for i := range c.Connections {
		c.Connections[i].normalise()
	}
}

func (c *ConnectionConfig) normalise() {
	c.Name = strings.TrimSpace(c.Name)
	c.Venue = strings.ToLower(strings.TrimSpace(c.Venue))
	c.Market = strings.ToLower(strings.TrimSpace(c.Market))
	if c.Market == "" {
		c.Market = "spot"
	}
	c.ProxyURL = strings.TrimSpace(c.ProxyURL)
	for i, s := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if c.OrderbookTopK < 0 {
		c.OrderbookTopK = 0
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if strings.TrimSpace(c.BackoffInitial) == "" {
		c.BackoffInitial = "2s"
	}
	if strings.TrimSpace(c.BackoffMax) == "" {
		c.BackoffMax = "60s"
	}
	if strings.TrimSpace(c.HandshakeTimeout) == "" {
		c.HandshakeTimeout = "10s"
	}
}

// Validate runs semantic checks Normalise can't express on its own.
func (c Config) Validate() error {
	if len(c.Connections) == 0 {
		return fmt.Errorf("at least one connection is required")
	}

	seen := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		if conn.Name == "" {
			return fmt.Errorf("connections[%d].name is required", i)
		}
		if seen[conn.Name] {
			return fmt.Errorf("connections[%d].name %q is not unique", i, conn.Name)
		}
		seen[conn.Name] = true

		if conn.Venue == "" {
			return fmt.Errorf("connections[%d].venue is required", i)
		}
		if !conn.Trades && !conn.Orderbook && conn.OrderbookTopK == 0 && !conn.BBO && !conn.Ticker && len(conn.CandleIntervals) == 0 {
			return fmt.Errorf("connections[%d] (%s) subscribes to nothing", i, conn.Name)
		}
		if (conn.Trades || conn.Orderbook || conn.OrderbookTopK > 0 || conn.BBO || conn.Ticker || len(conn.CandleIntervals) > 0) && len(conn.Symbols) == 0 {
			return fmt.Errorf("connections[%d] (%s) has stream subscriptions but no symbols", i, conn.Name)
		}
		if _, err := time.ParseDuration(conn.BackoffInitial); err != nil {
			return fmt.Errorf("connections[%d].backoff_initial: %w", i, err)
		}
		if _, err := time.ParseDuration(conn.BackoffMax); err != nil {
			return fmt.Errorf("connections[%d].backoff_max: %w", i, err)
		}
		if _, err := time.ParseDuration(conn.HandshakeTimeout); err != nil {
			return fmt.Errorf("connections[%d].handshake_timeout: %w", i, err)
		}
	}
	return nil
}

// Durations parses the connection's backoff/handshake fields, which
// Validate already guaranteed are well-formed.
func (c ConnectionConfig) Durations() (backoffInitial, backoffMax, handshakeTimeout time.Duration) {
	backoffInitial, _ = time.ParseDuration(c.BackoffInitial)
	backoffMax, _ = time.ParseDuration(c.BackoffMax)
	handshakeTimeout, _ = time.ParseDuration(c.HandshakeTimeout)
	return
}
