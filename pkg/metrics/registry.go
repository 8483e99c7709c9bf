// Package metrics owns the Prometheus registry and the HTTP endpoint that
// exposes it.
//
// Metrics are optional. Until InitRegistry is called the constructors in
// pkg/metrics/prometheus return no-op implementations, so the session cache
// and file handles run without collection overhead.
//
// Usage:
//
//	metrics.InitRegistry()
//
//	cfg := manager.Config{
//		SessionMetrics:  prometheus.SessionMetricsFor,
//		TransferMetrics: prometheus.TransferMetricsFor,
//	}
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// registry is written once by InitRegistry and read afterwards.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// Call it before creating any metrics instance. Later calls are ignored.
// The registry also carries the Go runtime and process collectors.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the global Prometheus registry.
//
// It is nil until InitRegistry has been called.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
