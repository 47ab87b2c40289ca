// Package config loads the autorun configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/lumenlabs/autorun/internal/scheduler"
)

// Config is the top-level configuration.
type Config struct {
	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`
	// MetricsListen enables the Prometheus endpoint when set, e.g. "127.0.0.1:9090".
	MetricsListen string `yaml:"metrics_listen,omitempty"`
	// Scheduler configures the polling loop.
	Scheduler scheduler.Config `yaml:"scheduler"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		DBPath:    filepath.Join(homeDir, ".autorun", "autorun.db"),
		Scheduler: *scheduler.DefaultConfig(),
	}
}

// Load reads a YAML config file, filling unset fields from Default. A
// missing file is not an error; it simply yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = Default().DBPath
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = scheduler.DefaultConfig().TickSeconds
	}
	if cfg.Scheduler.BatchSize <= 0 {
		cfg.Scheduler.BatchSize = scheduler.DefaultConfig().BatchSize
	}
	if cfg.Scheduler.LockTTLMinutes <= 0 {
		cfg.Scheduler.LockTTLMinutes = scheduler.DefaultConfig().LockTTLMinutes
	}

	return cfg, nil
}
