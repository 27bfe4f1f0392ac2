// Package config handles TOML-based configuration loading and
// validation for the resolver service and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so durations read as strings ("10s")
// from TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Config holds all application configuration.
type Config struct {
	Listen         string   `toml:"listen"`
	Timeout        Duration `toml:"timeout"`
	AttemptTimeout Duration `toml:"attempt_timeout"`

	RedisURL  string   `toml:"redis_url"`
	CacheTTL  Duration `toml:"cache_ttl"`
	CacheSize int      `toml:"cache_size"`

	HistoryDSN string `toml:"history_dsn"`

	Browser     bool     `toml:"browser"`
	BrowserPath string   `toml:"browser_path"`
	BrowserWait Duration `toml:"browser_wait"`

	OTLPEndpoint string `toml:"otlp_endpoint"`
	Debug        bool   `toml:"debug"`
}

// Default returns the default configuration: listen on :8080, cache in
// process memory, no history, no browser.
func Default() *Config {
	return &Config{
		Listen:         ":8080",
		Timeout:        Duration{10 * time.Second},
		AttemptTimeout: Duration{5 * time.Second},
		CacheTTL:       Duration{1 * time.Hour},
		CacheSize:      2048,
		BrowserWait:    Duration{15 * time.Second},
	}
}

// configDir returns the XDG-compliant config directory.
func configDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mediaresolver"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".config", "mediaresolver"), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultHistoryPath returns the XDG-compliant path for a local
// history database.
func DefaultHistoryPath() (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "mediaresolver", "history.db"), nil
}

// Load reads the config file at path, merged with defaults and with a
// sibling <name>.local.toml override when one exists. An empty path
// means the XDG config path; a missing file means defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		var err error
		path, err = ConfigPath()
		if err != nil {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if len(data) > 0 {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	// A .local sibling overrides the checked-in file, highest priority.
	localPath := localConfigPath(path)
	localData, err := os.ReadFile(localPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading local config: %w", err)
	}
	if len(localData) > 0 {
		var override Config
		if err := toml.Unmarshal(localData, &override); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", localPath, err)
		}
		if err := mergo.Merge(cfg, override, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging local config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// localConfigPath turns "config.toml" into "config.local.toml".
func localConfigPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

// Validate checks config values are within acceptable bounds.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.Timeout.Duration <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.AttemptTimeout.Duration < 0 {
		return fmt.Errorf("attempt_timeout cannot be negative, got %s", c.AttemptTimeout)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be positive, got %d", c.CacheSize)
	}
	if c.Browser && c.BrowserWait.Duration <= 0 {
		return fmt.Errorf("browser_wait must be positive when the browser strategy is enabled")
	}
	return nil
}
