// Package config loads the daemon configuration from a TOML file and
// normalizes zero values to usable defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddr string `toml:"listen_addr"`
	DataDir    string `toml:"data_dir"`
	APIToken   string `toml:"api_token"`

	Server    ServerConfig    `toml:"server"`
	Assistant AssistantConfig `toml:"assistant"`
}

type ServerConfig struct {
	// StopGrace is how long a polite termination request may take before
	// escalating to a kill. StopBound is the outer safety bound after which
	// a stop resolves regardless of what the process did.
	StopGrace duration `toml:"stop_grace"`
	StopBound duration `toml:"stop_bound"`
}

type AssistantConfig struct {
	// BackendPath overrides PATH lookup of the claude executable.
	BackendPath  string `toml:"backend_path"`
	DefaultModel string `toml:"default_model"`

	// PermissionTimeout bounds how long a tool-permission request may stay
	// unanswered; PermissionTimeoutBehavior decides what happens then.
	// The default ("allow") favors availability: an unattended user does
	// not permanently stall the assistant. Deployments that prefer caution
	// set it to "deny".
	PermissionTimeout         duration `toml:"permission_timeout"`
	PermissionTimeoutBehavior string   `toml:"permission_timeout_behavior"`
}

// duration lets TOML carry values like "60s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads the config file at path. A missing file yields pure defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	cfg.FillDefaults()
	return cfg, nil
}

// FillDefaults normalizes zero values.
func (c *Config) FillDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:18490"
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.DataDir = filepath.Join(home, ".odoo-claude-code")
	}
	if c.Server.StopGrace.Duration <= 0 {
		c.Server.StopGrace.Duration = 10 * time.Second
	}
	if c.Server.StopBound.Duration <= c.Server.StopGrace.Duration {
		c.Server.StopBound.Duration = c.Server.StopGrace.Duration + 5*time.Second
	}
	if c.Assistant.DefaultModel == "" {
		c.Assistant.DefaultModel = "claude-sonnet-4-5"
	}
	if c.Assistant.PermissionTimeout.Duration <= 0 {
		c.Assistant.PermissionTimeout.Duration = 60 * time.Second
	}
	if c.Assistant.PermissionTimeoutBehavior == "" {
		c.Assistant.PermissionTimeoutBehavior = "allow"
	}
}

// InstancesPath is the JSON file maintained by the settings layer.
func (c *Config) InstancesPath() string {
	return filepath.Join(c.DataDir, "instances.json")
}

// HistoryPath is the assistant session-history database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// AuditPath is the permission decision audit trail.
func (c *Config) AuditPath() string {
	return filepath.Join(c.DataDir, "audit.jsonl")
}

// LockPath guards the data dir against a second daemon.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "occd.lock")
}
