package main

import (
	"fmt"
	"os"

	"github.com/replicable-dev/researchpipe/internal/artifact"
	"github.com/replicable-dev/researchpipe/internal/config"
	"github.com/replicable-dev/researchpipe/internal/db"
)

// loadConfigFile loads and validates the JSON config at path. An empty path
// yields a zero config so CLI flags and defaults decide everything.
func loadConfigFile(path string) (config.Config, error) {
	var cfg config.Config
	if path == "" {
		return cfg, nil
	}
	loaded, err := config.LoadConfig(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return cfg, err
	}
	return *loaded, nil
}

// dataEnv bundles the on-disk state every data-touching command needs.
type dataEnv struct {
	DB    *db.DB
	Store *artifact.Store
}

// openData opens the artifact store and run database under cfg.DataDir,
// creating the directory tree on first use.
func openData(cfg *config.Config) (*dataEnv, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := artifact.NewStore(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	database, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open run database: %w", err)
	}
	return &dataEnv{DB: database, Store: store}, nil
}

func (e *dataEnv) Close() {
	_ = e.DB.Close()
}
