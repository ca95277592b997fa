// Package config handles remex configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration structure for remex.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// SSH connection and execution defaults
	SSH SSHConfig `yaml:"ssh" mapstructure:"ssh"`

	// Fan-out execution settings
	Together TogetherConfig `yaml:"together" mapstructure:"together"`

	// Execution history settings
	History HistoryConfig `yaml:"history" mapstructure:"history"`
}

// GlobalConfig contains global remex settings.
type GlobalConfig struct {
	// DataDir is where remex stores its data (default: ~/.local/share/remex).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/remex).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// SSHConfig contains defaults for SSH connections and command execution.
type SSHConfig struct {
	// ConfigPath is the OpenSSH client config to resolve hosts from.
	ConfigPath string `yaml:"config_path" mapstructure:"config_path"`

	// ConnectTimeout bounds TCP dial plus handshake for each hop.
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`

	// Keepalive is the keepalive interval in seconds (0 disables).
	Keepalive int `yaml:"keepalive" mapstructure:"keepalive"`

	// AllowAgent enables authentication through SSH_AUTH_SOCK.
	AllowAgent bool `yaml:"allow_agent" mapstructure:"allow_agent"`

	// KnownHosts is a known_hosts file used to verify host keys.
	// Empty accepts any host key and logs a warning.
	KnownHosts string `yaml:"known_hosts" mapstructure:"known_hosts"`

	// DefaultTimeout is the command timeout when none is given.
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`

	// RetryAttempts is how many times a connect is tried.
	RetryAttempts int `yaml:"retry_attempts" mapstructure:"retry_attempts"`

	// RetryDelay is the fixed pause between connect attempts.
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
}

// TogetherConfig contains fan-out settings.
type TogetherConfig struct {
	// MaxParallel bounds concurrent remotes (0 means one worker per remote).
	MaxParallel int `yaml:"max_parallel" mapstructure:"max_parallel"`
}

// HistoryConfig contains execution history settings.
type HistoryConfig struct {
	// Enabled records every CLI execution.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxRows is how many rows are kept after pruning (0 keeps all).
	MaxRows int `yaml:"max_rows" mapstructure:"max_rows"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "remex"),
			ConfigDir: filepath.Join(homeDir, ".config", "remex"),
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		SSH: SSHConfig{
			ConfigPath:     filepath.Join(homeDir, ".ssh", "config"),
			ConnectTimeout: 30 * time.Second,
			Keepalive:      1,
			AllowAgent:     true,
			DefaultTimeout: time.Hour,
			RetryAttempts:  3,
			RetryDelay:     3 * time.Second,
		},
		Together: TogetherConfig{
			MaxParallel: 0,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "", // Will be set to DataDir/history.db
			MaxRows: 10000,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs.AddMessage("logging.format", "must be one of json, console")
	}
	if c.SSH.ConnectTimeout < 0 {
		errs.AddMessage("ssh.connect_timeout", "must not be negative")
	}
	if c.SSH.Keepalive < 0 {
		errs.AddMessage("ssh.keepalive", "must not be negative")
	}
	if c.SSH.DefaultTimeout <= 0 {
		errs.AddMessage("ssh.default_timeout", "must be positive")
	}
	if c.SSH.RetryAttempts < 1 {
		errs.AddMessage("ssh.retry_attempts", "must be at least 1")
	}
	if c.SSH.RetryDelay < 0 {
		errs.AddMessage("ssh.retry_delay", "must not be negative")
	}
	if c.Together.MaxParallel < 0 {
		errs.AddMessage("together.max_parallel", "must not be negative")
	}
	if c.History.MaxRows < 0 {
		errs.AddMessage("history.max_rows", "must not be negative")
	}

	return errs.Err()
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// HistoryPath returns the full history database path.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.Global.DataDir, "history.db")
}
