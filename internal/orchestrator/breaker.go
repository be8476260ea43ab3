package orchestrator

import (
	"sync"
	"time"
)

// CircuitBreaker is the per-server fault-isolation state machine. It is
// independent of the probe-driven health status: a server can be
// healthy by probe yet have an open breaker from recent request
// failures, and vice versa.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	threshold   int
	openTimeout time.Duration
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and allows a trial request once openTimeout has
// elapsed.
func NewCircuitBreaker(threshold int, openTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openTimeout <= 0 {
		openTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		state:       CircuitClosed,
		threshold:   threshold,
		openTimeout: openTimeout,
	}
}

// CanExecute reports whether a request may be attempted right now.
// When the breaker is OPEN and the open timeout has elapsed, the check
// itself moves the breaker to HALF_OPEN and permits one trial request.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(b.lastFailure) >= b.openTimeout {
			b.state = CircuitHalfOpen
			return true
		}
		return false
	}
	return false
}

// OnSuccess records a successful call, closing the breaker.
func (b *CircuitBreaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = CircuitClosed
}

// OnFailure records a failed call. In CLOSED it counts toward the
// threshold; in HALF_OPEN the trial failed and the breaker reopens.
func (b *CircuitBreaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.state == CircuitHalfOpen || b.failures >= b.threshold {
		b.state = CircuitOpen
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
