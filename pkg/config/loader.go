package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration file, expands environment variables,
// merges it over the built-in defaults, and validates the result. A
// missing file (or empty path) yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Info("no configuration file, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			var user Config
			if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			// User values override defaults; unset fields keep them.
			if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge config %s: %w", path, err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
