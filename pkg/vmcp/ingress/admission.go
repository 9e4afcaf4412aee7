package ingress

import (
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Admission bounds concurrent in-flight requests with a weighted semaphore
// and smooths bursts with a token-bucket limiter, rejecting over-cap
// requests rather than queueing them unboundedly (spec §5 "Fairness &
// backpressure").
type Admission struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// AdmissionConfig configures the bounded queue's capacity and burst rate.
type AdmissionConfig struct {
	// MaxInFlight bounds concurrently-admitted requests.
	MaxInFlight int64
	// RatePerSecond bounds the sustained admission rate; Burst bounds the
	// instantaneous burst above that rate.
	RatePerSecond float64
	Burst         int
}

// DefaultAdmissionConfig matches a conservative single-node default; real
// deployments size this from measured backend capacity.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{MaxInFlight: 256, RatePerSecond: 500, Burst: 100}
}

// NewAdmission constructs an Admission gate from cfg.
func NewAdmission(cfg AdmissionConfig) *Admission {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultAdmissionConfig().MaxInFlight
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	return &Admission{
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}
}

// TryAdmit attempts to admit one request without blocking. It returns
// false when either the in-flight cap or the burst rate is exceeded; the
// caller responds with -32004 (spec §6).
func (a *Admission) TryAdmit() bool {
	if !a.limiter.Allow() {
		return false
	}
	if !a.sem.TryAcquire(1) {
		return false
	}
	return true
}

// Release returns one admitted slot to the pool. Must be called exactly
// once per successful TryAdmit.
func (a *Admission) Release() {
	a.sem.Release(1)
}
