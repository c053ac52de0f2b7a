package push

import (
	"sync"
	"time"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation, calls allowed
	BreakerOpen                         // failing, calls short-circuited
	BreakerHalfOpen                     // probing whether the transport recovered
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

// CircuitBreaker protects the push transport from sustained failure.
//
// Closed counts consecutive failures and opens at FailureThreshold. Open
// rejects calls until ResetTimeout has elapsed since the last failure, then
// moves to half-open. Half-open closes after HalfOpenMaxAttempts consecutive
// successes and reopens on the first failure.
type CircuitBreaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       BreakerState
	failures    int
	successes   int // consecutive successes while half-open
	lastFailure time.Time
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

// Execute runs fn guarded by the breaker. While open and before ResetTimeout
// elapses it returns a CircuitBreakerOpenError without invoking fn. A
// returned error or an unsuccessful ProviderResult both count as failures.
func (b *CircuitBreaker) Execute(fn func() (*ProviderResult, error)) (*ProviderResult, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}

	res, err := fn()
	if err != nil || res == nil || !res.Success {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return res, err
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.lastFailure) < b.cfg.ResetTimeout {
			return &CircuitBreakerOpenError{State: b.state, Failures: b.failures}
		}
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return nil
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMaxAttempts {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case BreakerHalfOpen:
		// Half-open tolerates zero failures.
		b.state = BreakerOpen
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
		}
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker closed with all counters zeroed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
}
