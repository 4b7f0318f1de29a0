package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/amaumene/fetcharr/internal/models"
	"github.com/spf13/viper"
)

// BackendConfig holds identity and connection info for one configured
// download backend. Created and edited by configuration; read-only here.
type BackendConfig struct {
	Name     string             `mapstructure:"name"`
	Type     models.BackendType `mapstructure:"type"`
	Enabled  bool               `mapstructure:"enabled"`
	Priority int                `mapstructure:"priority"` // ascending = more preferred

	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	UseTLS bool   `mapstructure:"tls"`

	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	APIKey   string `mapstructure:"api_key"`

	URLBase     string `mapstructure:"url_base"`
	Category    string `mapstructure:"category"`
	DownloadDir string `mapstructure:"download_dir"`
}

// URL builds the backend's base URL from host, port, TLS flag and URL base
func (b *BackendConfig) URL() string {
	scheme := "http"
	if b.UseTLS {
		scheme = "https"
	}
	u := fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
	if b.URLBase != "" {
		u += "/" + trimSlashes(b.URLBase)
	}
	return u
}

func trimSlashes(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// Config holds all application configuration
type Config struct {
	// Reconciliation
	ReconcileIntervalMinutes int `mapstructure:"reconcile_interval_minutes"`
	PollWorkers              int `mapstructure:"poll_workers"`

	// Release selection
	MinSeeders  int `mapstructure:"min_seeders"`
	MaxReleases int `mapstructure:"max_releases"`

	// Server
	ServerPort string `mapstructure:"server_port"`

	// Events
	EventWebhookURL string `mapstructure:"event_webhook_url"`

	// Logging
	LogLevel string `mapstructure:"log_level"`

	// Backends
	Backends []BackendConfig `mapstructure:"backends"`

	// Paths (derived from CONFIG_DIR, not set in the file)
	DatabaseFile string `mapstructure:"-"`
}

// Load loads configuration from config.yaml in CONFIG_DIR plus environment
// variables. The backend list is structured, so unlike simple flat settings
// it can only come from the file.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	configDir := viper.GetString("CONFIG_DIR")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config", "fetcharr")
	} else {
		absPath, err := filepath.Abs(configDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for CONFIG_DIR: %w", err)
		}
		configDir = absPath
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	// Set defaults
	viper.SetDefault("reconcile_interval_minutes", 1)
	viper.SetDefault("poll_workers", 4)
	viper.SetDefault("min_seeders", 0)
	viper.SetDefault("max_releases", 60)
	viper.SetDefault("server_port", "8080")
	viper.SetDefault("log_level", "info")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	config.DatabaseFile = filepath.Join(configDir, "fetcharr.db")

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks backend definitions for the mistakes that would otherwise
// only surface mid-cycle
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}

	seen := make(map[string]bool)
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Name == "" {
			return fmt.Errorf("backend %d: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backend name %q is not unique", b.Name)
		}
		seen[b.Name] = true

		switch b.Type {
		case models.BackendQBittorrent, models.BackendTransmission,
			models.BackendSABnzbd, models.BackendNZBGet, models.BackendTorBox:
		default:
			return fmt.Errorf("backend %q: unknown type %q", b.Name, b.Type)
		}

		if b.Type != models.BackendTorBox && b.Host == "" {
			return fmt.Errorf("backend %q: host is required", b.Name)
		}
	}

	if c.PollWorkers < 1 {
		return fmt.Errorf("poll_workers must be at least 1")
	}

	return nil
}

// EnabledBackends returns the enabled backend configurations
func (c *Config) EnabledBackends() []BackendConfig {
	var enabled []BackendConfig
	for _, b := range c.Backends {
		if b.Enabled {
			enabled = append(enabled, b)
		}
	}
	return enabled
}

// Backend returns the configuration for a backend by name
func (c *Config) Backend(name string) (*BackendConfig, bool) {
	for i := range c.Backends {
		if c.Backends[i].Name == name {
			return &c.Backends[i], true
		}
	}
	return nil, false
}
