package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pushmill/pushmill/internal/domain"
)

// Service is the delivery orchestrator. It composes the rate limiter,
// circuit breaker and retry policy around the storage and provider adapters.
//
// Many Send calls may run concurrently; there is no per-subscription lock.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	breaker *CircuitBreaker
	limiter *TokenBucket

	logger *slog.Logger

	inflight     sync.WaitGroup
	shuttingDown atomic.Bool
}

// New creates a service with defaults overlaid by cfg.
func New(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: DefaultConfig(), logger: logger}
	s.Configure(cfg)
	return s
}

// Configure merges a partial configuration into the current one. Nested
// policy, breaker, batch and worker sections merge field by field. The
// circuit breaker is re-initialized when its configuration changes; the rate
// limiter when its configuration changes. Completeness is not validated
// here, only at Send time.
func (s *Service) Configure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldBreaker := s.cfg.Breaker
	oldLimit := s.cfg.RateLimit
	s.cfg.merge(cfg)

	if s.breaker == nil || s.cfg.Breaker != oldBreaker {
		s.breaker = NewCircuitBreaker(s.cfg.Breaker)
	}
	if s.cfg.RateLimit != oldLimit || (s.limiter == nil && s.cfg.RateLimit.Capacity > 0) {
		if s.cfg.RateLimit.Capacity > 0 && s.cfg.RateLimit.RefillRate > 0 {
			s.limiter = NewTokenBucket(s.cfg.RateLimit.Capacity, s.cfg.RateLimit.RefillRate)
		} else {
			s.limiter = nil
		}
	}
}

// Config returns a copy of the effective configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Breaker exposes the circuit breaker, e.g. for stats endpoints.
func (s *Service) Breaker() *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breaker
}

func (s *Service) snapshot() (Config, *CircuitBreaker, *TokenBucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.breaker, s.limiter
}

func validateSubscription(sub *domain.Subscription) error {
	if sub == nil {
		return &ValidationError{Reason: "subscription is nil"}
	}
	if sub.Endpoint == "" {
		return &ValidationError{Reason: "subscription endpoint is empty"}
	}
	if sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return &ValidationError{Reason: "subscription encryption keys are incomplete"}
	}
	return nil
}

// Send delivers one notification. Configuration and validation failures are
// returned as errors before any side effect; every later failure mode is
// captured in the returned SendResult instead.
func (s *Service) Send(ctx context.Context, sub *domain.Subscription, payload *domain.NotificationPayload, opts *domain.SendOptions) (*SendResult, error) {
	if s.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	s.inflight.Add(1)
	defer s.inflight.Done()

	cfg, breaker, limiter := s.snapshot()

	if cfg.VAPID.PublicKey == "" || cfg.VAPID.PrivateKey == "" {
		return nil, &ConfigurationError{Reason: "missing VAPID credentials"}
	}
	if cfg.Storage == nil {
		return nil, &ConfigurationError{Reason: "no storage adapter configured"}
	}
	if cfg.Provider == nil {
		return nil, &ConfigurationError{Reason: "no provider adapter configured"}
	}

	cfg.Hooks.fireOnSend(sub, payload)

	if err := validateSubscription(sub); err != nil {
		return nil, err
	}

	return s.deliver(ctx, cfg, breaker, limiter, sub, payload, opts), nil
}

// deliver runs the rate limiter → breaker → provider → storage pipeline.
// It never returns an error and never panics past this frame.
func (s *Service) deliver(ctx context.Context, cfg Config, breaker *CircuitBreaker, limiter *TokenBucket, sub *domain.Subscription, payload *domain.NotificationPayload, opts *domain.SendOptions) (result *SendResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("send pipeline panicked: %v", r)
			s.logger.Error("send pipeline panicked", "subscription_id", sub.ID, "panic", r)
			cfg.Hooks.fireOnFailure(sub, err)
			result = &SendResult{Success: false, Err: err}
		}
	}()

	start := time.Now()

	if limiter != nil {
		if err := limiter.Acquire(ctx, 1); err != nil {
			cfg.Hooks.fireOnFailure(sub, err)
			incrMetric(cfg.Metrics, MetricSendTotal, map[string]string{"status": "cancelled"})
			return &SendResult{Success: false, Err: err}
		}
	}

	res, err := s.callProvider(ctx, cfg, breaker, sub, payload, opts)
	timingMetric(cfg.Metrics, MetricSendDuration, time.Since(start), map[string]string{"provider": cfg.Provider.Name()})

	if err != nil {
		// Breaker rejection or transport error without a result.
		s.logger.Warn("send failed", "subscription_id", sub.ID, "error", err)
		cfg.Hooks.fireOnFailure(sub, err)
		incrMetric(cfg.Metrics, MetricSendTotal, map[string]string{"status": "error"})
		return &SendResult{Success: false, Err: err}
	}

	if res.Success {
		now := time.Now()
		zero := 0
		upd := domain.SubscriptionUpdate{FailedCount: &zero, LastUsedAt: &now}
		if uerr := cfg.Storage.UpdateSubscription(ctx, sub.ID, upd); uerr != nil {
			s.logger.Error("failed to record successful send", "subscription_id", sub.ID, "error", uerr)
		}
		out := &SendResult{Success: true, StatusCode: res.StatusCode}
		cfg.Hooks.fireOnSuccess(sub, out)
		incrMetric(cfg.Metrics, MetricSendTotal, map[string]string{"status": "success"})
		return out
	}

	perr := &ProviderError{StatusCode: res.StatusCode, Retryable: res.ShouldRetry, Err: res.Err}

	if ShouldRetry(res, 0, cfg.Retry.MaxRetries) {
		entry := &RetryEntry{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			Payload:        *payload,
			Attempt:        0,
			NextRetryAt:    NextRetryAt(0, cfg.Retry, time.Duration(res.RetryAfter)*time.Second),
			LastError:      perr.Error(),
			CreatedAt:      time.Now(),
		}
		if serr := cfg.Storage.EnqueueRetry(ctx, entry); serr != nil {
			wrapped := &StorageError{Op: "enqueue retry", Err: serr}
			s.logger.Error("failed to enqueue retry", "subscription_id", sub.ID, "error", serr)
			cfg.Hooks.fireOnFailure(sub, wrapped)
			incrMetric(cfg.Metrics, MetricSendTotal, map[string]string{"status": "error"})
			return &SendResult{Success: false, StatusCode: res.StatusCode, Err: wrapped}
		}
		cfg.Hooks.fireOnRetry(sub, 0)
		incrMetric(cfg.Metrics, MetricSendTotal, map[string]string{"status": "retried"})
		incrMetric(cfg.Metrics, MetricRetryEnqueued, nil)
		return &SendResult{Success: false, Enqueued: true, StatusCode: res.StatusCode, Err: perr}
	}

	cfg.Hooks.fireOnFailure(sub, perr)
	incrMetric(cfg.Metrics, MetricSendTotal, map[string]string{"status": "failed"})
	return &SendResult{Success: false, StatusCode: res.StatusCode, Err: perr}
}

func (s *Service) callProvider(ctx context.Context, cfg Config, breaker *CircuitBreaker, sub *domain.Subscription, payload *domain.NotificationPayload, opts *domain.SendOptions) (*ProviderResult, error) {
	if breaker != nil {
		return breaker.Execute(func() (*ProviderResult, error) {
			return cfg.Provider.Send(ctx, sub, payload, opts)
		})
	}
	return cfg.Provider.Send(ctx, sub, payload, opts)
}

// BatchSend delivers one payload to many subscriptions. Subscriptions are
// processed in chunks of BatchSize; within a chunk, groups of Concurrency
// sends run in parallel and each group completes before the next starts.
// Individual failures never abort the batch.
func (s *Service) BatchSend(ctx context.Context, subs []domain.Subscription, payload *domain.NotificationPayload, opts *domain.SendOptions) (*BatchResult, error) {
	if s.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	s.inflight.Add(1)
	defer s.inflight.Done()

	cfg, _, _ := s.snapshot()
	batchSize := cfg.Batch.BatchSize
	concurrency := cfg.Batch.Concurrency

	out := &BatchResult{
		Total:   len(subs),
		Results: make([]SendResult, len(subs)),
	}

	for chunkStart := 0; chunkStart < len(subs); chunkStart += batchSize {
		chunkEnd := min(chunkStart+batchSize, len(subs))

		for groupStart := chunkStart; groupStart < chunkEnd; groupStart += concurrency {
			groupEnd := min(groupStart+concurrency, chunkEnd)

			var wg sync.WaitGroup
			for i := groupStart; i < groupEnd; i++ {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					res, err := s.Send(ctx, &subs[idx], payload, opts)
					if err != nil {
						out.Results[idx] = SendResult{Success: false, Err: err}
						return
					}
					out.Results[idx] = *res
				}(i)
			}
			wg.Wait()
		}
	}

	for _, r := range out.Results {
		if r.Success {
			out.Success++
			continue
		}
		out.Failed++
		if r.Enqueued {
			out.Retried++
		}
	}

	return out, nil
}

// Shutdown makes all new sends fail immediately, waits for in-flight
// operations to complete (racing the timeout), then closes the storage
// adapter. It is idempotent: a concurrent second call is a no-op.
func (s *Service) Shutdown(timeout time.Duration) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	s.logger.Info("push service shutting down", "timeout", timeout)

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("shutdown timed out after %s with operations in flight", timeout)
		s.logger.Warn("shutdown timed out", "timeout", timeout)
	}

	cfg, _, _ := s.snapshot()
	if cfg.Storage != nil {
		if cerr := cfg.Storage.Close(); cerr != nil {
			s.logger.Error("failed to close storage", "error", cerr)
			if err == nil {
				err = fmt.Errorf("close storage: %w", cerr)
			}
		}
	}

	return err
}
