package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/metrics"
	"github.com/marmos91/sharefs/pkg/storage/proxy"
)

type transferCollectors struct {
	bytes         *prometheus.CounterVec
	ioDuration    *prometheus.HistogramVec
	flushes       *prometheus.CounterVec
	flushDuration *prometheus.HistogramVec
	releases      *prometheus.CounterVec
}

var (
	transferOnce     sync.Once
	transferInstance *transferCollectors
)

func transfers() *transferCollectors {
	transferOnce.Do(func() {
		reg := metrics.GetRegistry()
		transferInstance = &transferCollectors{
			bytes: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "sharefs_handle_bytes_total",
					Help: "Bytes moved through file handles by protocol, strategy and direction",
				},
				[]string{"protocol", "strategy", "direction"},
			),
			ioDuration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name: "sharefs_handle_io_duration_seconds",
					Help: "Duration of handle reads and writes",
					Buckets: []float64{
						0.0001, // 100µs
						0.001,  // 1ms
						0.01,   // 10ms
						0.1,    // 100ms
						1,      // 1s
						10,     // 10s
					},
				},
				[]string{"protocol", "strategy", "direction"},
			),
			flushes: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "sharefs_handle_flushes_total",
					Help: "Safe handle flushes by protocol and status",
				},
				[]string{"protocol", "status"},
			),
			flushDuration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sharefs_handle_flush_duration_seconds",
					Help:    "Duration of safe handle flushes",
					Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
				},
				[]string{"protocol"},
			),
			releases: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "sharefs_handle_releases_total",
					Help: "Released file handles by protocol and strategy",
				},
				[]string{"protocol", "strategy"},
			),
		}
	})
	return transferInstance
}

// transferMetrics is the Prometheus implementation of proxy.Metrics for one
// protocol.
type transferMetrics struct {
	protocol string
	c        *transferCollectors
}

// NewTransferMetrics returns handle metrics labelled with protocol.
//
// Returns nil if metrics are not enabled; handles then fall back to their
// built-in no-op implementation.
func NewTransferMetrics(protocol string) proxy.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return &transferMetrics{protocol: protocol, c: transfers()}
}

// TransferMetricsFor adapts NewTransferMetrics to manager.Config.
func TransferMetricsFor(p connection.Protocol) proxy.Metrics {
	return NewTransferMetrics(string(p))
}

func (m *transferMetrics) ObserveRead(strategy string, bytes int64, duration time.Duration) {
	m.c.bytes.WithLabelValues(m.protocol, strategy, "read").Add(float64(bytes))
	m.c.ioDuration.WithLabelValues(m.protocol, strategy, "read").Observe(duration.Seconds())
}

func (m *transferMetrics) ObserveWrite(strategy string, bytes int64, duration time.Duration) {
	m.c.bytes.WithLabelValues(m.protocol, strategy, "write").Add(float64(bytes))
	m.c.ioDuration.WithLabelValues(m.protocol, strategy, "write").Observe(duration.Seconds())
}

func (m *transferMetrics) ObserveFlush(bytes int64, duration time.Duration, err error) {
	m.c.flushes.WithLabelValues(m.protocol, status(err)).Inc()
	m.c.flushDuration.WithLabelValues(m.protocol).Observe(duration.Seconds())
	if err == nil && bytes > 0 {
		m.c.bytes.WithLabelValues(m.protocol, "safe", "flush").Add(float64(bytes))
	}
}

func (m *transferMetrics) RecordRelease(strategy string) {
	m.c.releases.WithLabelValues(m.protocol, strategy).Inc()
}
