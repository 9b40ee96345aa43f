// Package config loads FleetMux runtime configuration from defaults, an
// optional YAML file, and environment variables (highest precedence).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the fleet server's runtime configuration.
type Config struct {
	Addr    string `koanf:"addr"`     // Listen address (e.g. ":4700")
	DataDir string `koanf:"data_dir"` // Data directory for the DB
	DBPath  string `koanf:"db"`       // SQLite path; defaults to <data_dir>/fleet.db

	MaxDepth    int `koanf:"max_depth"`   // Spawn depth cap
	MaxFleet    int `koanf:"max_fleet"`   // Live worker + approved-queue capacity
	MaxRestarts int `koanf:"max_restarts"`

	DismissGraceMS int `koanf:"dismiss_grace_ms"`
	HealthTickMS   int `koanf:"health_tick_ms"`
	PollIntervalMS int `koanf:"poll_interval_ms"` // Spawn queue scheduler tick

	PheromoneDecay PheromoneDecayConfig `koanf:"pheromone_decay"`
}

// PheromoneDecayConfig controls the optional background decay loop.
type PheromoneDecayConfig struct {
	Enabled      bool    `koanf:"enabled"`
	IntervalMS   int     `koanf:"interval_ms"`
	Rate         float64 `koanf:"rate"`
	MinIntensity float64 `koanf:"min_intensity"`
}

// defaults mirror the documented defaults in the operations guide.
var defaults = map[string]interface{}{
	"addr":             ":4700",
	"max_depth":        3,
	"max_fleet":        25,
	"max_restarts":     3,
	"dismiss_grace_ms": 5000,
	"health_tick_ms":   15000,
	"poll_interval_ms": 1000,

	"pheromone_decay.enabled":       false,
	"pheromone_decay.interval_ms":   60000,
	"pheromone_decay.rate":          0.05,
	"pheromone_decay.min_intensity": 0.01,
}

// bareEnvKeys are legacy environment variables recognized without the
// FLEETMUX_ prefix for compatibility with existing deployments.
var bareEnvKeys = map[string]string{
	"MAX_DEPTH":        "max_depth",
	"MAX_FLEET":        "max_fleet",
	"MAX_RESTARTS":     "max_restarts",
	"DISMISS_GRACE_MS": "dismiss_grace_ms",
	"HEALTH_TICK_MS":   "health_tick_ms",
	"POLL_INTERVAL_MS": "poll_interval_ms",
}

// Load builds a Config from defaults, the optional YAML file at path
// (skipped when path is empty or missing), and environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// FLEETMUX_MAX_DEPTH=4 → max_depth=4. Nested keys use double
	// underscores: FLEETMUX_PHEROMONE_DECAY__ENABLED=true.
	if err := k.Load(env.Provider("FLEETMUX_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "FLEETMUX_")
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for envName, key := range bareEnvKeys {
		if v, ok := os.LookupEnv(envName); ok && v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("set %s: %w", envName, err)
			}
		}
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "fleet.db")
	}

	return &c, nil
}

// Validate checks the configuration values and ensures required
// directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth must be >= 0")
	}
	if c.MaxFleet < 1 {
		return fmt.Errorf("max_fleet must be >= 1")
	}
	if c.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(c.DBPath), 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	return nil
}

// DismissGrace returns the dismissal grace period as a duration.
func (c *Config) DismissGrace() time.Duration {
	return time.Duration(c.DismissGraceMS) * time.Millisecond
}

// HealthTick returns the supervisor health tick interval.
func (c *Config) HealthTick() time.Duration {
	return time.Duration(c.HealthTickMS) * time.Millisecond
}

// PollInterval returns the spawn queue scheduler interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "fleetmux")
	}
	return filepath.Join(home, ".config", "fleetmux")
}
