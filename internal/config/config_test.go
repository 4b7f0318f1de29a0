package config

import (
	"strings"
	"testing"

	"github.com/amaumene/fetcharr/internal/models"
)

func validConfig() *Config {
	return &Config{
		PollWorkers: 4,
		Backends: []BackendConfig{{
			Name:    "qbit-main",
			Type:    models.BackendQBittorrent,
			Enabled: true,
			Host:    "localhost",
			Port:    8080,
		}},
	}
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Expected valid config to pass, got %v", err)
	}
}

func TestValidateRequiresBackends(t *testing.T) {
	cfg := validConfig()
	cfg.Backends = nil
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for empty backend list")
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	cfg := validConfig()
	cfg.Backends = append(cfg.Backends, cfg.Backends[0])
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "not unique") {
		t.Errorf("Expected duplicate name error, got %v", err)
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	cfg := validConfig()
	cfg.Backends[0].Type = "floppynet"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for unknown backend type")
	}
}

func TestValidateTorBoxNeedsNoHost(t *testing.T) {
	cfg := validConfig()
	cfg.Backends[0] = BackendConfig{
		Name:    "torbox-main",
		Type:    models.BackendTorBox,
		Enabled: true,
		APIKey:  "key",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected hosted backend to validate without host, got %v", err)
	}
}

func TestBackendURL(t *testing.T) {
	b := BackendConfig{Host: "localhost", Port: 9091}
	if got := b.URL(); got != "http://localhost:9091" {
		t.Errorf("Expected http://localhost:9091, got %s", got)
	}

	b.UseTLS = true
	b.URLBase = "/transmission/"
	if got := b.URL(); got != "https://localhost:9091/transmission" {
		t.Errorf("Expected https URL with trimmed base, got %s", got)
	}
}

func TestEnabledBackends(t *testing.T) {
	cfg := validConfig()
	cfg.Backends = append(cfg.Backends, BackendConfig{
		Name:    "qbit-disabled",
		Type:    models.BackendQBittorrent,
		Enabled: false,
		Host:    "localhost",
	})

	enabled := cfg.EnabledBackends()
	if len(enabled) != 1 || enabled[0].Name != "qbit-main" {
		t.Errorf("Expected only the enabled backend, got %v", enabled)
	}
}
