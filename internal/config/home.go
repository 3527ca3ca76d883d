package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Home returns the telemetry data directory.
// Priority order:
//  1. PYCHATCAT_HOME environment variable (if set)
//  2. ./data under the current working directory
//
// The directory is created if it doesn't exist.
func Home() (string, error) {
	home := os.Getenv(EnvHome)
	if home == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		home = filepath.Join(cwd, "data")
	}

	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	return home, nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

// Load is the composition-root entry point: it reads ./.env, resolves the
// data directory and returns the validated configuration.
func Load() (*Config, error) {
	if err := LoadEnvFile(".env"); err != nil {
		return nil, err
	}
	home, err := Home()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(home)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
