package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ciniml/imble/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	Backend  string        `yaml:"backend"` // "bluez" or "tinygo"
	Adapter  string        `yaml:"adapter"` // BlueZ adapter name, e.g. hci0
	LogLevel string        `yaml:"log_level"`
	Scan     ScanConfig    `yaml:"scan"`
	Session  SessionConfig `yaml:"session"`
	Server   ServerConfig  `yaml:"server"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Duration time.Duration `yaml:"duration"`
}

// SessionConfig holds connection settings.
type SessionConfig struct {
	ConfigureAttempts int           `yaml:"configure_attempts"`
	ConfigureTimeout  time.Duration `yaml:"configure_timeout"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
}

// ServerConfig holds WebSocket feed settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "imble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	retry := ble.DefaultRetryPolicy()
	return &Config{
		Backend:  "bluez",
		Adapter:  "hci0",
		LogLevel: "info",
		Scan: ScanConfig{
			Duration: 10 * time.Second,
		},
		Session: SessionConfig{
			ConfigureAttempts: retry.MaxAttempts,
			ConfigureTimeout:  retry.PerAttemptTimeout,
			SendTimeout:       5 * time.Second,
			ConnectTimeout:    60 * time.Second,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8377",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Backend {
	case "bluez":
		if c.Adapter == "" {
			return fmt.Errorf("adapter must not be empty for the bluez backend")
		}
	case "tinygo":
	default:
		return fmt.Errorf("backend must be \"bluez\" or \"tinygo\", got %q", c.Backend)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}
	if c.Session.ConfigureAttempts < 1 {
		return fmt.Errorf("session.configure_attempts must be >= 1")
	}
	if c.Session.ConfigureTimeout <= 0 {
		return fmt.Errorf("session.configure_timeout must be > 0")
	}
	if c.Session.SendTimeout <= 0 {
		return fmt.Errorf("session.send_timeout must be > 0")
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be > 0")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	return nil
}

// SlogLevel maps log_level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SessionOptions builds the session options described by the config.
func (c *Config) SessionOptions() ble.SessionOptions {
	opts := ble.DefaultSessionOptions()
	opts.Retry = ble.RetryPolicy{
		MaxAttempts:       c.Session.ConfigureAttempts,
		PerAttemptTimeout: c.Session.ConfigureTimeout,
	}
	return opts
}

const defaultHeader = `# imble configuration
#
# backend:   bluez (Linux, supports pairing) or tinygo (cross-platform)
# adapter:   BlueZ adapter name
# log_level: debug, info, warn or error
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a config
// already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader+"\n"), body...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
