// Package config provides configuration management for the Drift core:
// loading, defaulting, and persisting the settings.json-equivalent
// described by the persisted node layout.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportConfig toggles which transport classes a node will use.
type TransportConfig struct {
	BLE        bool `yaml:"ble" json:"ble"`
	WifiLocal  bool `yaml:"wifi_local" json:"wifi_local"`
	Internet   bool `yaml:"internet" json:"internet"`
}

// DiscoveryMode controls whether a node advertises itself on discovery channels.
type DiscoveryMode string

const (
	DiscoveryOpen  DiscoveryMode = "open"
	DiscoveryQuiet DiscoveryMode = "quiet"
	DiscoveryDark  DiscoveryMode = "dark"
)

// Config is the full set of recognized Drift configuration options (spec §6).
type Config struct {
	RelayEnabled        bool            `yaml:"relay_enabled" json:"relay_enabled"`
	MaxStoreBytes       uint64          `yaml:"max_store_bytes" json:"max_store_bytes"`
	MaxRelayPerHour     uint32          `yaml:"max_relay_per_hour" json:"max_relay_per_hour"`
	BatteryFloorPct     uint8           `yaml:"battery_floor_pct" json:"battery_floor_pct"`
	DiscoveryMode       DiscoveryMode   `yaml:"discovery_mode" json:"discovery_mode"`
	Transports          TransportConfig `yaml:"transports" json:"transports"`
	SketchCapacityLadder []uint32       `yaml:"sketch_capacity_ladder" json:"sketch_capacity_ladder"`

	// SelfReserveBytes is the eviction floor reserved for self-addressed
	// envelopes (§4.2); not in the spec's enumerated keys but needed to
	// make evict_to's "never evicted below a configured personal reserve"
	// concrete.
	SelfReserveBytes uint64 `yaml:"self_reserve_bytes" json:"self_reserve_bytes"`

	// StoreBackend selects the Drift Store's persistence backend: memory,
	// bbolt, or postgres.
	StoreBackend string `yaml:"store_backend" json:"store_backend"`
	StorePath    string `yaml:"store_path" json:"store_path"`
	PostgresDSN  string `yaml:"postgres_dsn" json:"postgres_dsn"`

	KeyStoreDir string `yaml:"keystore_dir" json:"keystore_dir"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	MaxPlaintextBytes int           `yaml:"max_plaintext_bytes" json:"max_plaintext_bytes"`
	AcceptanceWindow  time.Duration `yaml:"acceptance_window" json:"acceptance_window"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// Default returns the configuration spec.md describes as defaults.
func Default() *Config {
	return &Config{
		RelayEnabled:         true,
		MaxStoreBytes:        256 * 1024 * 1024,
		MaxRelayPerHour:      600,
		BatteryFloorPct:      15,
		DiscoveryMode:        DiscoveryOpen,
		Transports:           TransportConfig{BLE: true, WifiLocal: true, Internet: true},
		SketchCapacityLadder: []uint32{16, 64, 256, 1024},
		SelfReserveBytes:     8 * 1024 * 1024,
		StoreBackend:         "memory",
		KeyStoreDir:          ".drift/keys",
		Logging:              LoggingConfig{Level: "info"},
		Metrics:              MetricsConfig{Enabled: false, Addr: ":9090"},
		MaxPlaintextBytes:    64 * 1024,
		AcceptanceWindow:     5 * time.Minute,
	}
}

// LoadFromFile loads configuration from a YAML file, applying env-var
// substitution and defaults for anything left unset.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := Default()
	data = []byte(SubstituteEnvVars(string(data)))
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile writes cfg as YAML to path.
func SaveToFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

// Validate checks invariants that the loader cannot default its way out of.
func (c *Config) Validate() error {
	if len(c.SketchCapacityLadder) == 0 {
		return fmt.Errorf("config: sketch_capacity_ladder must not be empty")
	}
	for i := 1; i < len(c.SketchCapacityLadder); i++ {
		if c.SketchCapacityLadder[i] <= c.SketchCapacityLadder[i-1] {
			return fmt.Errorf("config: sketch_capacity_ladder must be strictly increasing")
		}
	}
	switch c.DiscoveryMode {
	case DiscoveryOpen, DiscoveryQuiet, DiscoveryDark, "":
	default:
		return fmt.Errorf("config: invalid discovery_mode %q", c.DiscoveryMode)
	}
	switch c.StoreBackend {
	case "memory", "bbolt", "postgres", "":
	default:
		return fmt.Errorf("config: invalid store_backend %q", c.StoreBackend)
	}
	return nil
}
