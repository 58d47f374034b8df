// Package config provides configuration for the IPTV ingestion engine.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the application configuration.
type Config struct {
	// Required
	PlaylistURL string

	// Server
	BindAddr string
	Port     int
	LogLevel string

	// Persistence
	CachePath string

	// Background refresh
	RefreshInterval time.Duration
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:        "0.0.0.0",
		Port:            8080,
		LogLevel:        "info",
		CachePath:       "iptv-cache.db",
		RefreshInterval: 30 * time.Minute,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.PlaylistURL == "" {
		return errors.New("--playlist is required")
	}

	if _, err := url.Parse(c.PlaylistURL); err != nil {
		return fmt.Errorf("invalid playlist URL: %w", err)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if c.RefreshInterval <= 0 {
		return errors.New("refresh interval must be positive")
	}

	return nil
}

// ListenAddr returns the full listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Port)
}
