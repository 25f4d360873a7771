package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is looked up in the working directory and its parents.
	ProjectConfigFile = "docflow.yaml"
	// UserConfigDir is relative to the home directory.
	UserConfigDir  = ".config/docflow"
	UserConfigFile = "config.yaml"
)

// Environment overrides, applied after all files.
const (
	EnvNATSURL   = "DOCFLOW_NATS_URL"
	EnvRedisAddr = "DOCFLOW_REDIS_ADDR"
)

// Loader resolves the effective configuration from its layers.
type Loader struct {
	logger *slog.Logger
	getenv func(string) string
	home   func() (string, error)
	cwd    func() (string, error)
}

// NewLoader creates a loader reading the process environment.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, getenv: os.Getenv, home: os.UserHomeDir, cwd: os.Getwd}
}

// Load builds the configuration from, lowest precedence first:
//  1. DefaultConfig
//  2. the user file (~/.config/docflow/config.yaml)
//  3. explicitPath when given, else the nearest docflow.yaml
//  4. DOCFLOW_NATS_URL and DOCFLOW_REDIS_ADDR
//
// A missing user or project file is not an error; a missing explicit file is.
func (l *Loader) Load(explicitPath string) (*Config, error) {
	cfg := DefaultConfig()

	if path := l.UserConfigPath(); path != "" {
		l.mergeFile(cfg, path, "user")
	}

	switch {
	case explicitPath != "":
		fileCfg, err := LoadFromFile(explicitPath)
		if err != nil {
			return nil, err
		}
		cfg.Merge(fileCfg)
		l.logger.Debug("Loaded config file", slog.String("path", explicitPath))
	default:
		if path := l.findProjectConfig(); path != "" {
			l.mergeFile(cfg, path, "project")
		}
	}

	l.applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) mergeFile(cfg *Config, path, layer string) {
	fileCfg, err := LoadFromFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return
	case err != nil:
		l.logger.Warn("Ignoring unreadable config", slog.String("layer", layer), slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	cfg.Merge(fileCfg)
	l.logger.Debug("Loaded config", slog.String("layer", layer), slog.String("path", path))
}

func (l *Loader) applyEnv(cfg *Config) {
	if url := l.getenv(EnvNATSURL); url != "" {
		cfg.NATS.URL = url
		cfg.NATS.Embedded = false
		l.logger.Debug("NATS URL from environment", slog.String("url", url))
	}
	if addr := l.getenv(EnvRedisAddr); addr != "" {
		cfg.Store.Redis.Addr = addr
		l.logger.Debug("Redis address from environment", slog.String("addr", addr))
	}
}

// EnsureUserConfig writes DefaultConfig to the user file unless one exists.
// It returns the path and whether the file was created.
func (l *Loader) EnsureUserConfig() (string, bool, error) {
	path := l.UserConfigPath()
	if path == "" {
		return "", false, fmt.Errorf("cannot determine home directory")
	}

	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return path, false, err
	}

	if err := DefaultConfig().SaveToFile(path); err != nil {
		return path, false, err
	}
	l.logger.Info("Created default user config", slog.String("path", path))
	return path, true, nil
}

// UserConfigPath returns the user file location, or "" without a home
// directory.
func (l *Loader) UserConfigPath() string {
	home, err := l.home()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig walks from the working directory up to the root.
func (l *Loader) findProjectConfig() string {
	dir, err := l.cwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ProjectConfigFile)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
