// Package prometheus implements the session cache and file handle metrics
// interfaces on the global registry of package metrics.
package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/metrics"
	"github.com/marmos91/sharefs/pkg/session"
)

// sessionMetrics is the Prometheus implementation of session.Metrics.
type sessionMetrics struct {
	lookups      *prometheus.CounterVec
	dials        *prometheus.CounterVec
	dialDuration *prometheus.HistogramVec
	evictions    *prometheus.CounterVec
	active       *prometheus.GaugeVec
}

var (
	sessionOnce     sync.Once
	sessionInstance *sessionMetrics
)

// NewSessionMetrics returns the shared session cache metrics.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry
// not called). Every call returns the same collectors, so one instance can
// serve several caches; the protocol label tells them apart.
func NewSessionMetrics() session.Metrics {
	if !metrics.IsEnabled() {
		return session.NoopMetrics()
	}

	sessionOnce.Do(func() {
		reg := metrics.GetRegistry()
		sessionInstance = &sessionMetrics{
			lookups: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "sharefs_session_lookups_total",
					Help: "Session cache lookups by protocol and result (hit or miss)",
				},
				[]string{"protocol", "result"},
			),
			dials: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "sharefs_session_dials_total",
					Help: "Session dial attempts by protocol and status",
				},
				[]string{"protocol", "status"},
			),
			dialDuration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name: "sharefs_session_dial_duration_seconds",
					Help: "Time to dial and authenticate a session",
					Buckets: []float64{
						0.01, // 10ms
						0.05, // 50ms
						0.1,  // 100ms
						0.5,  // 500ms
						1,    // 1s
						5,    // 5s
						30,   // 30s
					},
				},
				[]string{"protocol"},
			),
			evictions: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "sharefs_session_evictions_total",
					Help: "Sessions torn down by protocol and reason",
				},
				[]string{"protocol", "reason"},
			),
			active: promauto.With(reg).NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "sharefs_sessions_active",
					Help: "Sessions currently held by the cache",
				},
				[]string{"protocol"},
			),
		}
	})
	return sessionInstance
}

// SessionMetricsFor adapts NewSessionMetrics to manager.Config.
func SessionMetricsFor(connection.Protocol) session.Metrics {
	return NewSessionMetrics()
}

func (m *sessionMetrics) RecordHit(protocol string) {
	m.lookups.WithLabelValues(protocol, "hit").Inc()
}

func (m *sessionMetrics) RecordMiss(protocol string) {
	m.lookups.WithLabelValues(protocol, "miss").Inc()
}

func (m *sessionMetrics) RecordDial(protocol string, duration time.Duration, err error) {
	m.dials.WithLabelValues(protocol, status(err)).Inc()
	m.dialDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

func (m *sessionMetrics) RecordEviction(protocol string, reason session.EvictionReason) {
	m.evictions.WithLabelValues(protocol, string(reason)).Inc()
}

func (m *sessionMetrics) SetActive(protocol string, n int) {
	m.active.WithLabelValues(protocol).Set(float64(n))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
