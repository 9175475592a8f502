package apiclient

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
	// BreakerHalfOpen lets probe requests through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// errBreakerOpen is returned by Allow while the breaker is open.
var errBreakerOpen = errors.New("circuit breaker is open")

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// BreakerSettings configures a CircuitBreaker. Zero values select defaults.
type BreakerSettings struct {
	FailureThreshold   int
	SuccessThreshold   int
	OpenTimeout        time.Duration
	ErrorRateThreshold float64
	ErrorRateWindow    time.Duration
	// OnStateChange is called with the new state after every transition,
	// outside the breaker lock.
	OnStateChange func(BreakerState)
}

// CircuitBreaker guards the backend. It trips on consecutive failures or on
// the error rate within a tumbling window and is safe for concurrent use.
// Only transport failures and 5xx responses count as failures; a 4xx is the
// backend answering correctly.
type CircuitBreaker struct {
	mu       sync.Mutex
	settings BreakerSettings
	now      func() time.Time

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewCircuitBreaker creates a circuit breaker.
func NewCircuitBreaker(s BreakerSettings) *CircuitBreaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 2
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	cb := &CircuitBreaker{settings: s, now: time.Now}
	cb.windowStart = cb.now()
	return cb
}

// Allow returns nil when a request may proceed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	changed := cb.refresh()
	state := cb.state
	cb.mu.Unlock()

	cb.notify(changed, state)
	if state == BreakerOpen {
		return errBreakerOpen
	}
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	changed := false
	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.recordWindowCall(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.SuccessThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
			cb.resetWindow()
			changed = true
		}
	}
	state := cb.state
	cb.mu.Unlock()

	cb.notify(changed, state)
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	changed := false
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.recordWindowCall(true)
		if cb.failures >= cb.settings.FailureThreshold || cb.errorRateExceeded() {
			cb.trip()
			changed = true
		}
	case BreakerHalfOpen:
		cb.trip()
		changed = true
	}
	state := cb.state
	cb.mu.Unlock()

	cb.notify(changed, state)
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	changed := cb.refresh()
	state := cb.state
	cb.mu.Unlock()

	cb.notify(changed, state)
	return state
}

// refresh moves an expired open breaker to half-open. Must be called with
// the lock held.
func (cb *CircuitBreaker) refresh() bool {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.settings.OpenTimeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
		return true
	}
	return false
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.resetWindow()
}

func (cb *CircuitBreaker) notify(changed bool, state BreakerState) {
	if changed && cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(state)
	}
}

func (cb *CircuitBreaker) recordWindowCall(failure bool) {
	if cb.settings.ErrorRateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.settings.ErrorRateWindow {
		cb.resetWindow()
	}
	cb.windowTotal++
	if failure {
		cb.windowFailures++
	}
}

func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = cb.now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.settings.ErrorRateThreshold <= 0 || cb.settings.ErrorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(cb.windowFailures)/float64(cb.windowTotal) >= cb.settings.ErrorRateThreshold
}
