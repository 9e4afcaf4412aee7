// Package metrics defines the small interface the core consumes to report
// counters, gauges, and histograms, plus a Prometheus-backed implementation
// (spec §6 "metrics_sink()"). Metrics export itself is an external
// collaborator the core never depends on directly outside this package.
package metrics

import "time"

// Sink is the interface a metrics collaborator implements. server.New
// substitutes NopSink when its Config carries a nil Sink; the router,
// registry, drain coordinator and aggregator do not report through it.
type Sink interface {
	// RouteAttempt records one routed call outcome.
	RouteAttempt(backendID, method string, latency time.Duration, success bool)
	// CacheAccess records one aggregation-cache lookup.
	CacheAccess(method string, hit bool)
	// CircuitState records a circuit breaker's current state for a backend.
	CircuitState(backendID string, state string)
	// ActiveConnections records a backend's current in-flight call count.
	ActiveConnections(backendID string, count int64)
	// Generation records the registry's current generation number.
	Generation(gen uint64)
}

// nopSink discards every observation. Useful as a default when no metrics
// collaborator is configured.
type nopSink struct{}

// NopSink returns a Sink that discards all observations.
func NopSink() Sink { return nopSink{} }

func (nopSink) RouteAttempt(string, string, time.Duration, bool) {}
func (nopSink) CacheAccess(string, bool)                         {}
func (nopSink) CircuitState(string, string)                      {}
func (nopSink) ActiveConnections(string, int64)                  {}
func (nopSink) Generation(uint64)                                {}

