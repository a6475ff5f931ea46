// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for fleetshell
// components.
//
// Configuration is loaded from a single YAML file specified by the
// FLEETSHELL_CONFIG environment variable or a --config flag. There are
// no fallbacks or automatic discovery; the config file is the single
// source of truth.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetshell/fleetshell/lib/policy"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "FLEETSHELL_CONFIG"

// DeviceToken is one device's connection credential.
type DeviceToken struct {
	DeviceID string `yaml:"device_id"`
	Token    string `yaml:"token"`
}

// PolicyConfig is the YAML shape of the security policy.
type PolicyConfig struct {
	WhitelistEnabled    bool     `yaml:"whitelist_enabled"`
	AllowedCommands     []string `yaml:"allowed_commands"`
	BlockedCommands     []string `yaml:"blocked_commands"`
	MaxExecutionTime    int      `yaml:"max_execution_time"`
	MaxCommandLength    int      `yaml:"max_command_length"`
	AllowShellOperators bool     `yaml:"allow_shell_operators"`
}

// Policy converts the YAML section to a policy, filling defaults for
// unset limits.
func (p PolicyConfig) Policy() policy.Policy {
	result := policy.Default()
	result.WhitelistEnabled = p.WhitelistEnabled
	result.AllowedCommands = p.AllowedCommands
	result.BlockedCommands = p.BlockedCommands
	result.AllowShellOperators = p.AllowShellOperators
	if p.MaxExecutionTime > 0 {
		result.MaxExecutionTime = p.MaxExecutionTime
	}
	if p.MaxCommandLength > 0 {
		result.MaxCommandLength = p.MaxCommandLength
	}
	return result
}

// ServerConfig configures the fleetshell daemon.
type ServerConfig struct {
	// ListenAddress is the HTTP listen address for device connections.
	ListenAddress string `yaml:"listen_address"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path"`

	// AdminSocket is the Unix socket path for the operator CLI.
	AdminSocket string `yaml:"admin_socket"`

	// DeviceTokens is the authentication registry.
	DeviceTokens []DeviceToken `yaml:"device_tokens"`

	// Policy is the command security policy.
	Policy PolicyConfig `yaml:"policy"`

	// RetentionDays is how long finished command records are kept.
	// Zero disables the retention pass.
	RetentionDays int `yaml:"retention_days"`

	// CleanupInterval is how often the retention pass runs. Zero
	// defaults to one hour.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// AgentConfig configures the fleetshell agent.
type AgentConfig struct {
	// ServerURL is the daemon's websocket endpoint.
	ServerURL string `yaml:"server_url"`

	// Token authenticates this device.
	Token string `yaml:"token"`

	// Metadata is extra key/value context reported in the initial
	// status message.
	Metadata map[string]string `yaml:"metadata"`

	// PingInterval is the keepalive cadence. Zero defaults to 30s.
	PingInterval time.Duration `yaml:"ping_interval"`

	// MinBackoff and MaxBackoff bound the reconnect delay.
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DefaultServer returns the server config defaults.
func DefaultServer() ServerConfig {
	return ServerConfig{
		ListenAddress:   "127.0.0.1:8700",
		DatabasePath:    "fleetshell.db",
		AdminSocket:     "/run/fleetshell/admin.sock",
		RetentionDays:   30,
		CleanupInterval: time.Hour,
	}
}

// LoadServer loads the server config from path, or from
// FLEETSHELL_CONFIG when path is empty.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServer()
	if err := loadYAML(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadAgent loads the agent config from path, or from
// FLEETSHELL_CONFIG when path is empty.
func LoadAgent(path string) (AgentConfig, error) {
	var cfg AgentConfig
	if err := loadYAML(path, &cfg); err != nil {
		return AgentConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return fmt.Errorf("config: no config file; set %s or pass --config", EnvVar)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// Validate checks the server config for errors.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.ListenAddress == "" {
		errs = append(errs, errors.New("listen_address is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}

	seenTokens := make(map[string]bool)
	seenDevices := make(map[string]bool)
	for i, entry := range c.DeviceTokens {
		if entry.DeviceID == "" || entry.Token == "" {
			errs = append(errs, fmt.Errorf("device_tokens[%d]: device_id and token are required", i))
			continue
		}
		if seenDevices[entry.DeviceID] {
			errs = append(errs, fmt.Errorf("device_tokens[%d]: duplicate device_id %q", i, entry.DeviceID))
		}
		if seenTokens[entry.Token] {
			errs = append(errs, fmt.Errorf("device_tokens[%d]: duplicate token for %q", i, entry.DeviceID))
		}
		seenDevices[entry.DeviceID] = true
		seenTokens[entry.Token] = true
	}

	if c.RetentionDays < 0 {
		errs = append(errs, errors.New("retention_days must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks the agent config for errors.
func (c AgentConfig) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.MinBackoff < 0 || c.MaxBackoff < 0 {
		errs = append(errs, errors.New("backoff durations must not be negative"))
	}
	if c.MaxBackoff > 0 && c.MinBackoff > c.MaxBackoff {
		errs = append(errs, errors.New("min_backoff exceeds max_backoff"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Tokens returns the token → device id registry for the authenticator.
func (c ServerConfig) Tokens() map[string]string {
	tokens := make(map[string]string, len(c.DeviceTokens))
	for _, entry := range c.DeviceTokens {
		tokens[entry.Token] = entry.DeviceID
	}
	return tokens
}
