package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// AutoRefreshPolicy controls when connected previews are told to reload.
type AutoRefreshPolicy string

const (
	// RefreshOff never triggers automatic reloads.
	RefreshOff AutoRefreshPolicy = "off"
	// RefreshOnSave reloads previews when a file is saved to disk.
	RefreshOnSave AutoRefreshPolicy = "onSave"
	// RefreshOnAnyChange reloads previews on any content change,
	// including unsaved editor buffers when the host reports them.
	RefreshOnAnyChange AutoRefreshPolicy = "onAnyChange"
)

// ValidPolicies lists all accepted auto-refresh policies
var ValidPolicies = []AutoRefreshPolicy{RefreshOff, RefreshOnSave, RefreshOnAnyChange}

// ParsePolicy parses a policy string, returning an error if invalid
func ParsePolicy(s string) (AutoRefreshPolicy, error) {
	p := AutoRefreshPolicy(s)
	for _, valid := range ValidPolicies {
		if p == valid {
			return p, nil
		}
	}
	return "", fmt.Errorf("invalid auto-refresh policy %q, valid policies: %v", s, ValidPolicies)
}

// Config represents the application configuration
type Config struct {
	Server        ServerConfig       `yaml:"server" envconfig:"SERVER"`
	Serving       ServingConfig      `yaml:"serving" envconfig:"SERVING"`
	AutoRefresh   AutoRefreshPolicy  `yaml:"auto_refresh" envconfig:"AUTO_REFRESH"`
	Watcher       WatcherConfig      `yaml:"watcher" envconfig:"WATCHER"`
	Notifications NotificationConfig `yaml:"notifications" envconfig:"NOTIFICATIONS"`
	CORS          CORSConfig         `yaml:"cors" envconfig:"CORS"`
	Logging       LoggingConfig      `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains the preview server pair configuration.
// The WebSocket port is never configured directly; it is derived from the
// port the HTTP server actually binds.
type ServerConfig struct {
	Host       string `yaml:"host" envconfig:"HOST"`
	Port       int    `yaml:"port" envconfig:"PORT"`
	PathPrefix string `yaml:"path_prefix" envconfig:"PATH_PREFIX"` // URL prefix files are served under ("" for root)
}

// ServingConfig contains file serving configuration
type ServingConfig struct {
	Root        string `yaml:"root" envconfig:"ROOT"`                 // workspace root directory
	DefaultFile string `yaml:"default_file" envconfig:"DEFAULT_FILE"` // file served for directory requests
	Listings    bool   `yaml:"listings" envconfig:"LISTINGS"`         // generate index pages for directories
}

// WatcherConfig contains workspace watcher configuration
type WatcherConfig struct {
	DebounceMS int      `yaml:"debounce_ms" envconfig:"DEBOUNCE_MS"` // write-burst debounce window
	Exclude    []string `yaml:"exclude" envconfig:"EXCLUDE"`         // directory names never watched
}

// NotificationConfig controls user-facing status messages
type NotificationConfig struct {
	ShowServerStatus bool `yaml:"show_server_status" envconfig:"SHOW_SERVER_STATUS"`
}

// CORSConfig contains CORS configuration for served files
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" envconfig:"ENABLED"`
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" envconfig:"FORMAT"` // json, console
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Load from YAML file if provided (overrides defaults)
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("PREVIEW", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3000,
		},
		Serving: ServingConfig{
			Root:        ".",
			DefaultFile: "index.html",
			Listings:    true,
		},
		AutoRefresh: RefreshOnAnyChange,
		Watcher: WatcherConfig{
			DebounceMS: 100,
			Exclude:    []string{".git", "node_modules"},
		},
		Notifications: NotificationConfig{
			ShowServerStatus: true,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.Host == "" {
		return fmt.Errorf("server host is required")
	}

	if _, err := ParsePolicy(string(c.AutoRefresh)); err != nil {
		return err
	}

	if c.Watcher.DebounceMS < 0 {
		return fmt.Errorf("invalid watcher debounce: %d", c.Watcher.DebounceMS)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
