package push

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushmill/pushmill/internal/domain"
)

func TestSend_Success(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: true, StatusCode: 201}}}
	svc := New(testConfig(storage, provider), nil)

	sub := activeSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(context.Background(), sub))

	res, err := svc.Send(context.Background(), sub, testPayload(), nil)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.Enqueued)
	assert.Empty(t, storage.pendingEntries())

	stored := storage.subscription("sub-1")
	require.NotNil(t, stored)
	assert.NotNil(t, stored.LastUsedAt)
	assert.Equal(t, 0, stored.FailedCount)
}

func TestSend_RetryableFailureEnqueues(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: false, StatusCode: 500, ShouldRetry: true}}}
	svc := New(testConfig(storage, provider), nil)

	sub := activeSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(context.Background(), sub))

	before := time.Now()
	res, err := svc.Send(context.Background(), sub, testPayload(), nil)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.Enqueued)
	assert.Equal(t, 500, res.StatusCode)

	entries := storage.pendingEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "sub-1", entries[0].SubscriptionID)
	assert.Equal(t, 0, entries[0].Attempt)
	assert.NotEmpty(t, entries[0].LastError)
	// Default policy, jitter off: next retry in ~1s.
	assert.WithinDuration(t, before.Add(1*time.Second), entries[0].NextRetryAt, 200*time.Millisecond)
}

func TestSend_PermanentFailureDoesNotEnqueue(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: false, StatusCode: 410, ShouldRetry: false}}}
	svc := New(testConfig(storage, provider), nil)

	sub := activeSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(context.Background(), sub))

	var failures atomic.Int32
	svc.Configure(Config{Hooks: &Hooks{
		OnFailure: func(_ *domain.Subscription, _ error) { failures.Add(1) },
	}})

	res, err := svc.Send(context.Background(), sub, testPayload(), nil)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.False(t, res.Enqueued)
	assert.Empty(t, storage.pendingEntries())
	assert.Equal(t, int32(1), failures.Load())

	var perr *ProviderError
	require.ErrorAs(t, res.Err, &perr)
	assert.Equal(t, 410, perr.StatusCode)
	assert.False(t, perr.Retryable)
}

func TestSend_RetryAfterOverride(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: false, StatusCode: 429, ShouldRetry: true, RetryAfter: 30}}}
	svc := New(testConfig(storage, provider), nil)

	sub := activeSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(context.Background(), sub))

	before := time.Now()
	res, err := svc.Send(context.Background(), sub, testPayload(), nil)
	require.NoError(t, err)
	require.True(t, res.Enqueued)

	entries := storage.pendingEntries()
	require.Len(t, entries, 1)
	assert.WithinDuration(t, before.Add(30*time.Second), entries[0].NextRetryAt, 200*time.Millisecond)
}

func TestSend_MissingCredentials(t *testing.T) {
	cfg := testConfig(newMemStorage(), &scriptProvider{script: []*ProviderResult{{Success: true}}})
	cfg.VAPID = VAPIDConfig{}
	svc := New(cfg, nil)

	_, err := svc.Send(context.Background(), activeSubscription("sub-1"), testPayload(), nil)

	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
}

func TestSend_MissingStorage(t *testing.T) {
	cfg := testConfig(nil, &scriptProvider{script: []*ProviderResult{{Success: true}}})
	svc := New(cfg, nil)

	_, err := svc.Send(context.Background(), activeSubscription("sub-1"), testPayload(), nil)

	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
}

func TestSend_InvalidSubscription(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: true}}}
	svc := New(testConfig(storage, provider), nil)

	tests := []struct {
		name string
		sub  *domain.Subscription
	}{
		{"nil subscription", nil},
		{"empty endpoint", &domain.Subscription{ID: "x", Keys: domain.SubscriptionKeys{P256dh: "a", Auth: "b"}}},
		{"missing auth key", &domain.Subscription{ID: "x", Endpoint: "https://push.example.com/x", Keys: domain.SubscriptionKeys{P256dh: "a"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Send(context.Background(), tt.sub, testPayload(), nil)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Zero(t, provider.callCount())
		})
	}
}

func TestSend_HookPanicDoesNotPropagate(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: true, StatusCode: 201}}}
	cfg := testConfig(storage, provider)
	cfg.Hooks = &Hooks{
		OnSend:    func(_ *domain.Subscription, _ *domain.NotificationPayload) { panic("on send") },
		OnSuccess: func(_ *domain.Subscription, _ *SendResult) { panic("on success") },
	}
	svc := New(cfg, nil)

	sub := activeSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(context.Background(), sub))

	res, err := svc.Send(context.Background(), sub, testPayload(), nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSend_BreakerOpenShortCircuits(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: false, StatusCode: 503, ShouldRetry: true}}}
	cfg := testConfig(storage, provider)
	cfg.Breaker = BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour, HalfOpenMaxAttempts: 1}
	svc := New(cfg, nil)

	sub := activeSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(context.Background(), sub))

	for i := 0; i < 2; i++ {
		_, err := svc.Send(context.Background(), sub, testPayload(), nil)
		require.NoError(t, err)
	}
	require.Equal(t, 2, provider.callCount())

	res, err := svc.Send(context.Background(), sub, testPayload(), nil)
	require.NoError(t, err)

	assert.False(t, res.Success)
	var openErr *CircuitBreakerOpenError
	require.ErrorAs(t, res.Err, &openErr)
	// Provider was not invoked for the short-circuited call.
	assert.Equal(t, 2, provider.callCount())
}

func TestSend_RateLimiterThrottles(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: true, StatusCode: 201}}}
	cfg := testConfig(storage, provider)
	cfg.RateLimit = RateLimitConfig{Capacity: 1, RefillRate: 20}
	svc := New(cfg, nil)

	sub := activeSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(context.Background(), sub))

	start := time.Now()
	for i := 0; i < 3; i++ {
		res, err := svc.Send(context.Background(), sub, testPayload(), nil)
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	// First send drains the bucket; the next two wait ~50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestBatchSend_AggregatesOutcomes(t *testing.T) {
	storage := newMemStorage()
	svc := New(testConfig(storage, &perSubscriptionProvider{
		results: map[string]*ProviderResult{
			"sub-1": {Success: true, StatusCode: 201},
			"sub-2": {Success: false, StatusCode: 500, ShouldRetry: true},
			"sub-3": {Success: true, StatusCode: 201},
		},
	}), nil)

	subs := make([]domain.Subscription, 0, 3)
	for _, id := range []string{"sub-1", "sub-2", "sub-3"} {
		sub := activeSubscription(id)
		require.NoError(t, storage.CreateSubscription(context.Background(), sub))
		subs = append(subs, *sub)
	}

	res, err := svc.BatchSend(context.Background(), subs, testPayload(), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Retried)
	require.Len(t, res.Results, 3)
	assert.True(t, res.Results[0].Success)
	assert.True(t, res.Results[1].Enqueued)
	assert.True(t, res.Results[2].Success)
}

func TestBatchSend_InvalidSubscriptionDoesNotAbortBatch(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: true, StatusCode: 201}}}
	svc := New(testConfig(storage, provider), nil)

	good := activeSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(context.Background(), good))
	bad := domain.Subscription{ID: "sub-2"} // no endpoint, no keys

	res, err := svc.BatchSend(context.Background(), []domain.Subscription{*good, bad}, testPayload(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, 1, res.Failed)

	var verr *ValidationError
	assert.ErrorAs(t, res.Results[1].Err, &verr)
}

func TestShutdown_RejectsNewSends(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: true}}}
	svc := New(testConfig(storage, provider), nil)

	require.NoError(t, svc.Shutdown(time.Second))

	_, err := svc.Send(context.Background(), activeSubscription("sub-1"), testPayload(), nil)
	assert.ErrorIs(t, err, ErrShuttingDown)

	_, err = svc.BatchSend(context.Background(), nil, testPayload(), nil)
	assert.ErrorIs(t, err, ErrShuttingDown)

	assert.True(t, storage.closed)
}

func TestShutdown_WaitsForInflightSends(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{
		script: []*ProviderResult{{Success: true, StatusCode: 201}},
		delay:  100 * time.Millisecond,
	}
	svc := New(testConfig(storage, provider), nil)

	sub := activeSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(context.Background(), sub))

	started := make(chan struct{})
	provider.sendFn = func() { close(started) }

	done := make(chan *SendResult, 1)
	go func() {
		res, _ := svc.Send(context.Background(), sub, testPayload(), nil)
		done <- res
	}()

	<-started
	start := time.Now()
	require.NoError(t, svc.Shutdown(time.Second))

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	res := <-done
	assert.True(t, res.Success)
}

func TestShutdown_TimesOut(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{
		script: []*ProviderResult{{Success: true}},
		delay:  300 * time.Millisecond,
	}
	svc := New(testConfig(storage, provider), nil)

	sub := activeSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(context.Background(), sub))

	started := make(chan struct{})
	provider.sendFn = func() { close(started) }

	go func() { _, _ = svc.Send(context.Background(), sub, testPayload(), nil) }()
	<-started

	err := svc.Shutdown(30 * time.Millisecond)
	assert.Error(t, err)
}

func TestShutdown_Idempotent(t *testing.T) {
	storage := newMemStorage()
	svc := New(testConfig(storage, &scriptProvider{script: []*ProviderResult{{Success: true}}}), nil)

	require.NoError(t, svc.Shutdown(time.Second))
	require.NoError(t, svc.Shutdown(time.Second))
}

// perSubscriptionProvider returns a scripted result per subscription id.
type perSubscriptionProvider struct {
	results map[string]*ProviderResult
}

func (p *perSubscriptionProvider) Send(_ context.Context, sub *domain.Subscription, _ *domain.NotificationPayload, _ *domain.SendOptions) (*ProviderResult, error) {
	if res, ok := p.results[sub.ID]; ok {
		return res, nil
	}
	return &ProviderResult{Success: false, StatusCode: 404, ShouldRetry: false}, nil
}

func (p *perSubscriptionProvider) Name() string { return "per-subscription" }
