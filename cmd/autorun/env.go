package main

import (
	"os"
	"path/filepath"

	"github.com/lumenlabs/autorun/internal/config"
	"github.com/lumenlabs/autorun/internal/store"
)

// loadConfig resolves the effective configuration: the --config flag wins,
// then the default config file location, then built-in defaults.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".autorun", "autorun.yaml")
	}
	return config.Load(path)
}

// openStore opens the SQLite store at the configured path.
func openStore(cfg *config.Config) (*store.Store, error) {
	return store.New(cfg.DBPath)
}
