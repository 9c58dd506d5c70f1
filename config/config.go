// Package config resolves where the shared memory database and the tool's
// own settings live. Precedence is environment variables over the config
// file over built-in defaults; command-line flags are layered on by callers.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variables honored by Resolve.
const (
	DataDirEnv = "MEMBRIDGE_DATA"
	AgentEnv   = "MEMBRIDGE_AGENT"
	DBEnv      = "MEMBRIDGE_DB"
	LogEnv     = "MEMBRIDGE_LOG"
)

// Config is the YAML structure stored in config.yaml.
type Config struct {
	Agent    string `yaml:"agent,omitempty"`
	DBPath   string `yaml:"db_path,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`
}

// DataDir returns the directory holding the database and config file.
func DataDir() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".membridge")
}

// FilePath returns the path to config.yaml.
func FilePath() string {
	dir := DataDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// DefaultDBPath returns the well-known database location. When no home
// directory can be determined it falls back to the working directory.
func DefaultDBPath() string {
	dir := DataDir()
	if dir == "" {
		return "membridge.db"
	}
	return filepath.Join(dir, "membridge.db")
}

// Load reads config.yaml if it exists. A missing file is not an error.
func Load() (*Config, error) {
	path := FilePath()
	if path == "" {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes config.yaml with owner-only permissions.
func Save(cfg *Config) error {
	path := FilePath()
	if path == "" {
		return fmt.Errorf("cannot determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Resolve loads the config file, layers environment overrides on top and
// fills in the default database path.
func Resolve() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if v := os.Getenv(AgentEnv); v != "" {
		cfg.Agent = v
	}
	if v := os.Getenv(DBEnv); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(LogEnv); v != "" {
		cfg.LogLevel = v
	}

	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	return cfg, nil
}
