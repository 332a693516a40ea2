// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every configuration variable.
const EnvPrefix = "STRAND_"

// Defaults.
const (
	DefaultPort = 4200
	DefaultDB   = "strand.db"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// Host is the HTTP listen host. Empty binds all interfaces.
	Host string

	// DBPath is the ledger database path, or ":memory:".
	DBPath string

	// Workspace is the default workspace root for runs.
	Workspace string

	// Model is the default model id for runs that name none.
	Model string

	// BasePrompt is prepended to every assembled system prompt.
	BasePrompt string

	// SkillDirs are extra skill discovery roots, colon-separated in the
	// environment.
	SkillDirs []string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// LogFormat is "json" or "text".
	LogFormat string
}

// Load resolves configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		Port:      DefaultPort,
		Host:      getenv("HOST", ""),
		DBPath:    getenv("DB", DefaultDB),
		Model:     getenv("MODEL", ""),
		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "text"),
	}

	if raw := os.Getenv(EnvPrefix + "PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("config: invalid %sPORT %q", EnvPrefix, raw)
		}
		cfg.Port = port
	}

	cfg.Workspace = os.Getenv(EnvPrefix + "WORKSPACE")
	if cfg.Workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("config: resolve working directory: %w", err)
		}
		cfg.Workspace = cwd
	}

	cfg.BasePrompt = os.Getenv(EnvPrefix + "BASE_PROMPT")
	if raw := os.Getenv(EnvPrefix + "SKILL_DIRS"); raw != "" {
		for _, dir := range strings.Split(raw, ":") {
			if dir = strings.TrimSpace(dir); dir != "" {
				cfg.SkillDirs = append(cfg.SkillDirs, dir)
			}
		}
	}

	return cfg, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return fallback
}
