package config

import (
	"testing"
	"time"
)

func TestApplyDefaults_Empty(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level INFO, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" || cfg.Logging.Output != "stdout" {
		t.Errorf("Unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Client.OpenFileLimit != 30 {
		t.Errorf("Expected open_file_limit 30, got %d", cfg.Client.OpenFileLimit)
	}
	if cfg.Client.ConnectTimeout != 5*time.Second {
		t.Errorf("Expected connect_timeout 5s, got %v", cfg.Client.ConnectTimeout)
	}
	if cfg.Client.GuestUser != "guest" {
		t.Errorf("Expected guest user 'guest', got %q", cfg.Client.GuestUser)
	}
	if cfg.Client.AttrCacheTTL != 0 {
		t.Errorf("Zero attribute cache TTL must stay disabled, got %v", cfg.Client.AttrCacheTTL)
	}
	if cfg.Drivers.S3 == nil || cfg.Drivers.Memory == nil {
		t.Error("Expected driver option maps to be initialized")
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "warn", Format: "json", Output: "stderr"},
		Client: ClientConfig{
			OpenFileLimit: 5,
			GuestUser:     "visitor",
			DialRate:      2,
		},
		Metrics: MetricsConfig{Port: 9191},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level normalized to WARN, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("Explicit logging values overwritten: %+v", cfg.Logging)
	}
	if cfg.Client.OpenFileLimit != 5 || cfg.Client.GuestUser != "visitor" {
		t.Errorf("Explicit client values overwritten: %+v", cfg.Client)
	}
	if cfg.Client.DialBurst != 1 {
		t.Errorf("Expected dial burst 1 when a rate is set, got %d", cfg.Client.DialBurst)
	}
	if cfg.Metrics.Port != 9191 {
		t.Errorf("Expected metrics port 9191, got %d", cfg.Metrics.Port)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Client.AttrCacheTTL != 5*time.Second {
		t.Errorf("Expected attr_cache_ttl 5s, got %v", cfg.Client.AttrCacheTTL)
	}
	if len(cfg.Connections) != 1 || cfg.Connections[0].Protocol != "memory" {
		t.Fatalf("Expected one memory connection, got %+v", cfg.Connections)
	}
	if cfg.Drivers.Memory["auto_create"] != true {
		t.Error("Expected memory driver to auto-create hosts")
	}
}
