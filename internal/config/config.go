// Package config loads agent settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Address           string        `env:"ATTENTRACE_ADDRESS" envDefault:"127.0.0.1:8123"`
	Endpoint          string        `env:"ATTENTRACE_ENDPOINT"`
	FlushInterval     time.Duration `env:"ATTENTRACE_FLUSH_INTERVAL" envDefault:"3s"`
	Dwell             time.Duration `env:"ATTENTRACE_DWELL" envDefault:"2s"`
	ShowRatio         float64       `env:"ATTENTRACE_SHOW_RATIO" envDefault:"0.5"`
	Throttle          time.Duration `env:"ATTENTRACE_THROTTLE" envDefault:"50ms"`
	ResourceThreshold time.Duration `env:"ATTENTRACE_RESOURCE_THRESHOLD" envDefault:"1500ms"`
	EventThreshold    time.Duration `env:"ATTENTRACE_EVENT_THRESHOLD" envDefault:"200ms"`
	ResourceDomains   []string      `env:"ATTENTRACE_RESOURCE_DOMAINS" envSeparator:","`
	Location          string        `env:"ATTENTRACE_LOCATION"`
	// Spool is the sqlite file for undelivered beacons; empty means
	// spool.db in the application directory.
	Spool        string `env:"ATTENTRACE_SPOOL"`
	OTELEndpoint string `env:"ATTENTRACE_OTEL_ENDPOINT"`
}

// Load parses the environment and fills derived defaults.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports settings the agent cannot run with.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("ATTENTRACE_ENDPOINT is required")
	}
	if c.ShowRatio <= 0 || c.ShowRatio > 1 {
		return fmt.Errorf("show ratio must be in (0, 1], got %v", c.ShowRatio)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval)
	}
	return nil
}

// SpoolPath returns the configured spool file, creating the application
// directory when the default is used.
func (c Config) SpoolPath() (string, error) {
	if c.Spool != "" {
		return c.Spool, nil
	}
	dir, err := ApplicationDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "spool.db"), nil
}

// ApplicationDirectory is the platform-specific data directory.
func ApplicationDirectory() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	var applicationDirectory string
	switch runtime.GOOS {
	case "darwin":
		applicationDirectory = filepath.Join(homeDirectory, "Library", "Application Support", "Attentrace")
	case "windows":
		applicationDirectory = filepath.Join(homeDirectory, "AppData", "Roaming", "Attentrace")
	default: // linux and others
		applicationDirectory = filepath.Join(homeDirectory, ".local", "share", "Attentrace")
	}
	if err := os.MkdirAll(applicationDirectory, 0o755); err != nil {
		return "", fmt.Errorf("failed to create application directory: %w", err)
	}
	return applicationDirectory, nil
}
