package config

import (
	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/metrics"
	promMetrics "github.com/marmos91/sharefs/pkg/metrics/prometheus"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage/proxy"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// SessionMetrics returns the session cache metrics for a protocol (never nil)
	SessionMetrics func(connection.Protocol) session.Metrics

	// TransferMetrics returns the file handle metrics for a protocol
	// (returns nil when disabled; handles then use a no-op)
	TransferMetrics func(connection.Protocol) proxy.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Returns Prometheus-backed metrics constructors
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			SessionMetrics:  func(connection.Protocol) session.Metrics { return session.NoopMetrics() },
			TransferMetrics: func(connection.Protocol) proxy.Metrics { return nil },
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port:    cfg.Metrics.Port,
		Address: cfg.Metrics.Address,
	})

	return &MetricsResult{
		Server:          server,
		SessionMetrics:  promMetrics.SessionMetricsFor,
		TransferMetrics: promMetrics.TransferMetricsFor,
	}
}
