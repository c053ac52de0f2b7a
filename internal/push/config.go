package push

import "time"

// VAPIDConfig holds the application server credentials used to sign push
// requests.
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
}

// RetryPolicy controls exponential backoff between delivery attempts.
// Jitter is a pointer so a merged partial config can distinguish "unset"
// from an explicit false.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	Jitter        *bool
}

func (p RetryPolicy) jitterEnabled() bool {
	return p.Jitter == nil || *p.Jitter
}

// BreakerConfig configures the circuit breaker protecting the transport.
type BreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
}

// BatchConfig bounds BatchSend chunking and fan-out.
type BatchConfig struct {
	BatchSize   int
	Concurrency int
}

// WorkerConfig configures the retry queue worker.
type WorkerConfig struct {
	PollInterval time.Duration
	Concurrency  int
	BatchSize    int
	ErrorBackoff time.Duration
}

// RateLimitConfig configures the outbound token bucket. A zero value leaves
// rate limiting disabled.
type RateLimitConfig struct {
	Capacity   float64
	RefillRate float64 // tokens per second
}

// Config is the full delivery core configuration. Adapters are injected
// here once; Configure merges later partial configs field by field.
type Config struct {
	VAPID     VAPIDConfig
	Retry     RetryPolicy
	Breaker   BreakerConfig
	Batch     BatchConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig

	Storage  Storage
	Provider Provider
	Metrics  Metrics
	Hooks    *Hooks
}

// DefaultConfig returns the documented defaults. Adapters are left unset.
func DefaultConfig() Config {
	jitter := true
	return Config{
		Retry: RetryPolicy{
			MaxRetries:    8,
			BaseDelay:     1 * time.Second,
			BackoffFactor: 2,
			MaxDelay:      1 * time.Hour,
			Jitter:        &jitter,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			ResetTimeout:        60 * time.Second,
			HalfOpenMaxAttempts: 3,
		},
		Batch: BatchConfig{
			BatchSize:   50,
			Concurrency: 10,
		},
		Worker: WorkerConfig{
			PollInterval: 5 * time.Second,
			Concurrency:  10,
			BatchSize:    50,
			ErrorBackoff: 10 * time.Second,
		},
	}
}

// merge overlays the set fields of src onto c. Zero values are treated as
// unset, except RetryPolicy.Jitter which is a pointer.
func (c *Config) merge(src Config) {
	if src.VAPID.PublicKey != "" {
		c.VAPID.PublicKey = src.VAPID.PublicKey
	}
	if src.VAPID.PrivateKey != "" {
		c.VAPID.PrivateKey = src.VAPID.PrivateKey
	}
	if src.VAPID.Subscriber != "" {
		c.VAPID.Subscriber = src.VAPID.Subscriber
	}

	if src.Retry.MaxRetries != 0 {
		c.Retry.MaxRetries = src.Retry.MaxRetries
	}
	if src.Retry.BaseDelay != 0 {
		c.Retry.BaseDelay = src.Retry.BaseDelay
	}
	if src.Retry.BackoffFactor != 0 {
		c.Retry.BackoffFactor = src.Retry.BackoffFactor
	}
	if src.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = src.Retry.MaxDelay
	}
	if src.Retry.Jitter != nil {
		c.Retry.Jitter = src.Retry.Jitter
	}

	if src.Breaker.FailureThreshold != 0 {
		c.Breaker.FailureThreshold = src.Breaker.FailureThreshold
	}
	if src.Breaker.ResetTimeout != 0 {
		c.Breaker.ResetTimeout = src.Breaker.ResetTimeout
	}
	if src.Breaker.HalfOpenMaxAttempts != 0 {
		c.Breaker.HalfOpenMaxAttempts = src.Breaker.HalfOpenMaxAttempts
	}

	if src.Batch.BatchSize != 0 {
		c.Batch.BatchSize = src.Batch.BatchSize
	}
	if src.Batch.Concurrency != 0 {
		c.Batch.Concurrency = src.Batch.Concurrency
	}

	if src.Worker.PollInterval != 0 {
		c.Worker.PollInterval = src.Worker.PollInterval
	}
	if src.Worker.Concurrency != 0 {
		c.Worker.Concurrency = src.Worker.Concurrency
	}
	if src.Worker.BatchSize != 0 {
		c.Worker.BatchSize = src.Worker.BatchSize
	}
	if src.Worker.ErrorBackoff != 0 {
		c.Worker.ErrorBackoff = src.Worker.ErrorBackoff
	}

	if src.RateLimit.Capacity != 0 {
		c.RateLimit.Capacity = src.RateLimit.Capacity
	}
	if src.RateLimit.RefillRate != 0 {
		c.RateLimit.RefillRate = src.RateLimit.RefillRate
	}

	if src.Storage != nil {
		c.Storage = src.Storage
	}
	if src.Provider != nil {
		c.Provider = src.Provider
	}
	if src.Metrics != nil {
		c.Metrics = src.Metrics
	}
	if src.Hooks != nil {
		c.Hooks = src.Hooks
	}
}
