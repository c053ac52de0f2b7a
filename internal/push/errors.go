// Package push implements the push notification delivery core: the
// send/batch-send pipeline, retry policy, circuit breaker, rate limiter and
// the background retry worker.
package push

import (
	"errors"
	"fmt"
)

// ErrShuttingDown is returned for new sends after Shutdown has started.
var ErrShuttingDown = errors.New("push service is shutting down")

// ErrSubscriptionNotFound is returned by storage adapters for unknown ids.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ConfigurationError reports an incomplete configuration detected at call
// time. It is surfaced synchronously, before any side effect.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// ValidationError reports a malformed subscription.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Reason
}

// ProviderError is a transport-level delivery failure. It carries the
// provider status code and whether the provider considers the failure
// retryable.
type ProviderError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider error (status %d)", e.StatusCode)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// CircuitBreakerOpenError is returned when the breaker short-circuits a call.
type CircuitBreakerOpenError struct {
	State    BreakerState
	Failures int
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is %s (%d consecutive failures)", e.State, e.Failures)
}

// RateLimitError is reserved for rejection-style rate limiting paths such as
// TryAcquire-based callers.
type RateLimitError struct {
	Available float64
	Requested float64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: requested %.0f tokens, %.0f available", e.Requested, e.Available)
}
