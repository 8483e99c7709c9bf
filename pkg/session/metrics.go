package session

import "time"

// EvictionReason labels why a session was torn down.
type EvictionReason string

const (
	ReasonCapacity   EvictionReason = "capacity"
	ReasonReplaced   EvictionReason = "replaced"
	ReasonInvalidate EvictionReason = "invalidate"
	ReasonShutdown   EvictionReason = "shutdown"
)

// Metrics receives session cache observations.
//
// Implementations must be safe for concurrent use. A nil Metrics in Config
// is replaced with a no-op implementation.
type Metrics interface {
	// RecordHit records an Acquire served from the cache.
	RecordHit(protocol string)

	// RecordMiss records an Acquire that needed a dial (including forced ones).
	RecordMiss(protocol string)

	// RecordDial records one dial attempt, its latency and whether it failed.
	RecordDial(protocol string, duration time.Duration, err error)

	// RecordEviction records one torn down session.
	RecordEviction(protocol string, reason EvictionReason)

	// SetActive reports the number of sessions held by the cache.
	SetActive(protocol string, n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordHit(string) {}
func (noopMetrics) RecordMiss(string) {}
func (noopMetrics) RecordDial(string, time.Duration, error) {}
func (noopMetrics) RecordEviction(string, EvictionReason) {}
func (noopMetrics) SetActive(string, int) {}

// NoopMetrics returns a Metrics that discards everything.
func NoopMetrics() Metrics {
	return noopMetrics{}
}
