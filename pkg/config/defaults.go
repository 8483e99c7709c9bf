package config

import (
	"strings"
	"time"

	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
// Driver-specific defaults are handled by the drivers themselves.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyClientDefaults(&cfg.Client)
	applyDriversDefaults(&cfg.Drivers)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyClientDefaults(cfg *ClientConfig) {
	if cfg.OpenFileLimit == 0 {
		cfg.OpenFileLimit = session.DefaultCapacity
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	if cfg.GuestUser == "" {
		cfg.GuestUser = session.DefaultGuestUser
	}
	if cfg.SMBMinVersion == "" {
		cfg.SMBMinVersion = "2.0.2"
	}
	if cfg.SMBMaxVersion == "" {
		cfg.SMBMaxVersion = "3.1.1"
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 1 << 20
	}
	if cfg.DialRate > 0 && cfg.DialBurst == 0 {
		cfg.DialBurst = 1
	}
}

// applyDriversDefaults initializes nil option maps so they marshal as {}.
func applyDriversDefaults(cfg *DriversConfig) {
	for _, m := range []*map[string]any{&cfg.SMB, &cfg.SFTP, &cfg.FTP, &cfg.WebDAV, &cfg.S3, &cfg.Memory} {
		if *m == nil {
			*m = make(map[string]any)
		}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Client: ClientConfig{
			AttrCacheTTL: 5 * time.Second,
		},
		Drivers: DriversConfig{
			Memory: map[string]any{"auto_create": true},
		},
		Connections: []ConnectionConfig{
			{
				Name:     "scratch",
				Protocol: string(connection.ProtocolMemory),
				Host:     "localhost",
				Folder:   "scratch",
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
