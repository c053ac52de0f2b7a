package push

import (
	"math"
	"math/rand/v2"
	"time"
)

// NextRetryAt computes when the next delivery attempt becomes eligible.
//
// A positive retryAfter is a provider-supplied override (e.g. from a
// Retry-After header) and wins over backoff and jitter. Otherwise the delay
// is baseDelay·backoffFactor^attempt capped at maxDelay, with an optional
// uniform jitter of ±25% clamped at zero.
func NextRetryAt(attempt int, policy RetryPolicy, retryAfter time.Duration) time.Time {
	now := time.Now()

	if retryAfter > 0 {
		return now.Add(retryAfter)
	}

	delay := float64(policy.BaseDelay) * math.Pow(policy.BackoffFactor, float64(attempt))
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	if policy.jitterEnabled() {
		// Uniform offset in [-0.25d, +0.25d].
		delay += (rand.Float64() - 0.5) * 0.5 * delay
		if delay < 0 {
			delay = 0
		}
	}

	return now.Add(time.Duration(delay))
}

// ShouldRetry decides whether a failed attempt is eligible for another try.
// attempt is 0-indexed: a fresh send that failed is attempt 0.
//
// The provider is expected to set ShouldRetry for transient failures
// (429, 5xx, network errors) and clear it for permanent ones (404/410,
// malformed payload). The attempt budget always wins over the provider flag.
func ShouldRetry(result *ProviderResult, attempt, maxRetries int) bool {
	if attempt >= maxRetries {
		return false
	}
	if result == nil {
		return false
	}
	return result.ShouldRetry
}
