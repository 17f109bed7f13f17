// Package config provides configuration loading and validation for the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/replicable-dev/researchpipe/internal/capability"
)

// Config represents the CLI configuration that can be loaded from a JSON file.
// All fields are optional; missing values use defaults or must be provided via CLI flags.
type Config struct {
	// DataDir holds the artifact store, the run database and scratch
	// workspaces.
	DataDir string `json:"data_dir,omitempty"`

	// CapabilitiesFile adds extra capability grants on top of the built-in
	// set.
	CapabilitiesFile string `json:"capabilities_file,omitempty"`

	// Models maps tier names (lite, standard, advanced) to model IDs.
	Models map[string]string `json:"models,omitempty" validate:"dive,keys,oneof=lite standard advanced,endkeys,required"`

	// Limits override the executor's default resource ceilings. Zero fields
	// keep the defaults.
	Limits capability.Limits `json:"limits,omitempty"`

	// Behavior
	APIKey      string `json:"api_key,omitempty"`                              // Gemini API key
	Concurrency int    `json:"concurrency,omitempty" validate:"gte=0,lte=64"` // Parallel runs for batch mode
	Verbose     bool   `json:"verbose,omitempty"`                             // Print detailed debug information
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir:     filepath.Join(home, ".researchpipe"),
		Concurrency: 2,
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	if c.CapabilitiesFile != "" {
		if _, err := os.Stat(c.CapabilitiesFile); os.IsNotExist(err) {
			return fmt.Errorf("config error: capabilities file not found: %s", c.CapabilitiesFile)
		}
	}
	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from
// defaults. This is used to apply config file values under CLI flags.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.DataDir == "" {
		result.DataDir = defaults.DataDir
	}
	if result.CapabilitiesFile == "" {
		result.CapabilitiesFile = defaults.CapabilitiesFile
	}
	if result.APIKey == "" {
		result.APIKey = defaults.APIKey
	}
	if result.Models == nil {
		result.Models = defaults.Models
	}
	if result.Concurrency == 0 {
		result.Concurrency = defaults.Concurrency
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}

// StorePath is the artifact store root under the data directory.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "objects")
}

// DBPath is the SQLite database under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "researchpipe.db")
}

// WorkPath is the base directory for per-stage workspaces.
func (c *Config) WorkPath() string {
	return filepath.Join(c.DataDir, "work")
}
