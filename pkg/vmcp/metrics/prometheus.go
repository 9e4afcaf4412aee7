package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink on top of client_golang collectors,
// registered against a caller-supplied registry (spec §6 counters: request
// counts by backend+method, latency distributions, cache hit/miss, circuit
// state, active connections, generation).
type PrometheusSink struct {
	routeTotal   *prometheus.CounterVec
	routeLatency *prometheus.HistogramVec
	cacheTotal   *prometheus.CounterVec
	circuitState *prometheus.GaugeVec
	activeConns  *prometheus.GaugeVec
	generation   prometheus.Gauge
}

// NewPrometheusSink constructs and registers a PrometheusSink against reg.
// Pass prometheus.NewRegistry() in tests to avoid global-registry collisions.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		routeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "only1mcp",
			Name:      "route_requests_total",
			Help:      "Routed calls by backend, method, and outcome.",
		}, []string{"backend", "method", "outcome"}),
		routeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "only1mcp",
			Name:      "route_latency_seconds",
			Help:      "Routed call latency by backend and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "method"}),
		cacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "only1mcp",
			Name:      "aggregation_cache_total",
			Help:      "Aggregation cache lookups by method and hit/miss.",
		}, []string{"method", "outcome"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "only1mcp",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per backend (0=closed, 1=half_open, 2=open).",
		}, []string{"backend"}),
		activeConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "only1mcp",
			Name:      "active_connections",
			Help:      "In-flight routed calls per backend.",
		}, []string{"backend"}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "only1mcp",
			Name:      "registry_generation",
			Help:      "Current registry snapshot generation.",
		}),
	}

	reg.MustRegister(s.routeTotal, s.routeLatency, s.cacheTotal, s.circuitState, s.activeConns, s.generation)
	return s
}

// RouteAttempt implements Sink.
func (s *PrometheusSink) RouteAttempt(backendID, method string, latency time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	s.routeTotal.WithLabelValues(backendID, method, outcome).Inc()
	s.routeLatency.WithLabelValues(backendID, method).Observe(latency.Seconds())
}

// CacheAccess implements Sink.
func (s *PrometheusSink) CacheAccess(method string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	s.cacheTotal.WithLabelValues(method, outcome).Inc()
}

// circuitStateValue maps a circuit breaker state name to a gauge value.
func circuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}

// CircuitState implements Sink.
func (s *PrometheusSink) CircuitState(backendID string, state string) {
	s.circuitState.WithLabelValues(backendID).Set(circuitStateValue(state))
}

// ActiveConnections implements Sink.
func (s *PrometheusSink) ActiveConnections(backendID string, count int64) {
	s.activeConns.WithLabelValues(backendID).Set(float64(count))
}

// Generation implements Sink.
func (s *PrometheusSink) Generation(gen uint64) {
	s.generation.Set(float64(gen))
}

var _ Sink = (*PrometheusSink)(nil)
