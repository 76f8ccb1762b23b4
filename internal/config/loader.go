package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths, applies
// TASKGRAPH_* environment overrides and validates the result.
// Global: ~/.taskgraph/config.json
// Project: .taskgraph/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	cfg, err := Load(
		filepath.Join(homeDir, DefaultDir, "config.json"),
		ProjectPath(),
	)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeConfigFile decodes a JSON config file over base. Keys absent from the
// file keep their current value; executor.env entries are merged per key.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

// ApplyEnv overrides cfg from environment variables read through lookup
// (os.LookupEnv outside tests).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("TASKGRAPH_STORE"); ok && v != "" {
		cfg.StorePath = v
	}
	if v, ok := lookup("TASKGRAPH_STATE"); ok && v != "" {
		cfg.StatePath = v
	}
	if v, ok := lookup("TASKGRAPH_MAX_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TASKGRAPH_MAX_CONCURRENCY: %w", err)
		}
		cfg.Coordinator.MaxConcurrency = n
	}
	durations := []struct {
		name string
		dst  *Duration
	}{
		{"TASKGRAPH_LIVENESS_TIMEOUT", &cfg.Coordinator.LivenessTimeout},
		{"TASKGRAPH_LOCK_TIMEOUT", &cfg.LockTimeout},
	}
	for _, d := range durations {
		v, ok := lookup(d.name)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = Duration(parsed)
	}
	return nil
}
