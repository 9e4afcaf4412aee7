// Package health owns per-backend health classification and circuit
// breaking (spec §3, §4.3). The circuit breaker's own internal state is
// owned by the router's side of this package; HealthRecord/Monitor classify
// backends from an external health-check collaborator's feed.
package health

import (
	"sync"
	"time"
)

// CircuitState is the per-backend circuit-breaker state machine's current
// phase (spec §3, §4.3).
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// DefaultFailureThreshold and DefaultSuccessThreshold mirror spec §4.3.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenTimeout      = 30 * time.Second
	DefaultHalfOpenPermits  = 1
)

// CircuitBreaker implements the per-backend breaker described in spec
// §4.3: Closed -> Open on failure_threshold consecutive failures; Open
// rejects until timeout elapses, then HalfOpen admits a small fixed permit
// count; HalfOpen -> Closed on success_threshold cumulative successes,
// -> Open on any failure (timer reset).
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenPermits  int

	state           CircuitState
	failureCount    int
	successCount    int
	openedAt        time.Time
	permitsInFlight int
}

// NewCircuitBreaker constructs a breaker with the given failure threshold
// and open-state timeout, using spec defaults for success threshold and
// half-open permit count.
func NewCircuitBreaker(failureThreshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: DefaultSuccessThreshold,
		timeout:          timeout,
		halfOpenPermits:  DefaultHalfOpenPermits,
		state:            CircuitClosed,
	}
}

// WithSuccessThreshold overrides the default success threshold for
// HalfOpen -> Closed transitions.
func (cb *CircuitBreaker) WithSuccessThreshold(n int) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.successThreshold = n
	return cb
}

// GetState returns the current circuit state as stored; it never performs
// the Open -> HalfOpen transition, even once the timeout has elapsed. Use
// CanAttempt for admission decisions, which performs that transition.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allowed is a non-mutating peek at whether this backend is currently
// routable: it performs the same Open -> HalfOpen timeout transition as
// CanAttempt, but never consumes a half-open permit. Use this to build a
// candidate set; use CanAttempt at the actual dispatch point, since
// candidates that are filtered in but not ultimately selected must not
// strand a scarce half-open permit.
func (cb *CircuitBreaker) Allowed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.timeout {
			cb.state = CircuitHalfOpen
			cb.successCount = 0
			cb.permitsInFlight = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		return cb.permitsInFlight < cb.halfOpenPermits
	default:
		return false
	}
}

// GetFailureCount returns the consecutive-failure counter.
func (cb *CircuitBreaker) GetFailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// CanAttempt reports whether a new request may be admitted through this
// backend, performing the Open -> HalfOpen timeout transition as a side
// effect and consuming one half-open permit if granted.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.timeout {
			cb.state = CircuitHalfOpen
			cb.successCount = 0
			cb.permitsInFlight = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.permitsInFlight < cb.halfOpenPermits {
			cb.permitsInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call. In HalfOpen, accumulates toward
// successThreshold and closes the circuit once reached; in Closed, resets
// the failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		if cb.permitsInFlight > 0 {
			cb.permitsInFlight--
		}
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.toClosedLocked()
		}
	case CircuitClosed:
		cb.failureCount = 0
	}
}

// RecordFailure records a failed call. In Closed, increments the
// consecutive-failure counter and opens the circuit at failureThreshold;
// in HalfOpen, any failure reopens the circuit and resets the timer.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.toOpenLocked()
		}
	case CircuitHalfOpen:
		cb.toOpenLocked()
	case CircuitOpen:
		// Already open; a late failure just confirms it.
	}
}

func (cb *CircuitBreaker) toOpenLocked() {
	cb.state = CircuitOpen
	cb.openedAt = time.Now()
	cb.successCount = 0
	cb.permitsInFlight = 0
}

func (cb *CircuitBreaker) toClosedLocked() {
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.permitsInFlight = 0
}
