// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads relay configuration.
//
// Configuration comes from a single YAML file named by the
// MYDIA_RELAY_CONFIG environment variable or a --config flag. There
// are no fallbacks or automatic discovery: the file is the single
// source of truth, and environment variables never override its
// values.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "MYDIA_RELAY_CONFIG"

// Config is the relay's configuration.
type Config struct {
	// Listen is the address the signaling endpoint binds.
	Listen string `yaml:"listen"`

	// MetricsListen is the address the metrics endpoint binds. Empty
	// disables the metrics listener.
	MetricsListen string `yaml:"metrics_listen"`

	// Claims configures the claim store.
	Claims ClaimsConfig `yaml:"claims"`

	// RendezvousPoints are returned to resolving devices as relay/ICE
	// hints.
	RendezvousPoints []string `yaml:"rendezvous_points"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
}

// ClaimsConfig configures claim persistence and lifetimes.
type ClaimsConfig struct {
	// DatabasePath is the SQLite file holding claims. Empty selects
	// the in-memory store (single-relay deployments and tests only:
	// claims die with the process).
	DatabasePath string `yaml:"database_path"`

	// PoolSize is the SQLite connection pool size. Zero defaults.
	PoolSize int `yaml:"pool_size"`

	// TTL is the claim lifetime as a Go duration string ("10m").
	// Empty takes the store default.
	TTL string `yaml:"ttl"`

	// LockTTL is the redemption lock window as a Go duration string
	// ("30s"). Empty takes the store default.
	LockTTL string `yaml:"lock_ttl"`
}

// ClaimTTL parses the configured claim lifetime. Empty means zero,
// which stores interpret as their default.
func (c ClaimsConfig) ClaimTTL() (time.Duration, error) {
	return parseDuration(c.TTL, "claims.ttl")
}

// ClaimLockTTL parses the configured lock window.
func (c ClaimsConfig) ClaimLockTTL() (time.Duration, error) {
	return parseDuration(c.LockTTL, "claims.lock_ttl")
}

func parseDuration(value, field string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return parsed, nil
}

// Default returns the base configuration. The defaults exist so every
// field has a sensible zero-value, not as a substitute for the file.
func Default() *Config {
	return &Config{
		Listen:        ":8090",
		MetricsListen: ":9090",
		LogLevel:      "info",
	}
}

// Load loads configuration from the MYDIA_RELAY_CONFIG environment
// variable. Fails if it is unset: configuration is explicit or absent,
// never discovered.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your relay config file, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants a running relay depends on.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if _, err := c.Claims.ClaimTTL(); err != nil {
		return err
	}
	if _, err := c.Claims.ClaimLockTTL(); err != nil {
		return err
	}
	return nil
}
