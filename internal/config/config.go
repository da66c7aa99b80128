// Package config provides configuration loading and validation for the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

// Config is the CLI configuration, loadable from a JSON file. All fields are
// optional; missing values fall back to environment variables or flags.
type Config struct {
	DatabaseURL    string `json:"database_url,omitempty" validate:"omitempty,uri"`   // PostgreSQL connection URL
	MigrateOnStart bool   `json:"migrate_on_start,omitempty"`                        // Apply schema before handling events
	Verbose        bool   `json:"verbose,omitempty"`                                 // Debug-level logging
	DevLogging     bool   `json:"dev_logging,omitempty"`                             // Console encoder instead of JSON
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

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

// Validate checks field formats. Required values are enforced later, after
// env and flag merging.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	return nil
}

// ApplyEnv fills empty fields from the environment.
func (c *Config) ApplyEnv() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
}
