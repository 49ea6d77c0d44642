package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, defaults, and validates the configuration file at path.
// This is the primary entry point used by cmd/gateway and cmd/adapter.
//
// Steps performed:
//  1. Read the YAML file
//  2. Expand environment variable references ($VAR, ${VAR})
//  3. Parse YAML into Config
//  4. Merge in default values for anything left unset
//  5. Validate the result
func Initialize(_ context.Context, path string) (*Config, error) {
	log := slog.With("config_path", path)
	log.Info("loading configuration")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	cfg.configPath = path

	if err := mergo.Merge(&cfg, defaultConfig()); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("failed to merge defaults: %w", err))
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration loaded",
		"listen_address", cfg.ListenAddress,
		"task_worker_count", cfg.TaskWorkerCount,
	)

	return &cfg, nil
}
