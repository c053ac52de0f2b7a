package push

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushmill/pushmill/internal/domain"
)

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 10 * time.Millisecond,
		Concurrency:  4,
		BatchSize:    10,
		ErrorBackoff: 20 * time.Millisecond,
	}
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		BackoffFactor: 2,
		MaxDelay:      time.Minute,
		Jitter:        noJitter(),
	}
}

func dueEntry(id, subID string, attempt int) *RetryEntry {
	return &RetryEntry{
		ID:             id,
		SubscriptionID: subID,
		Payload:        *testPayload(),
		Attempt:        attempt,
		NextRetryAt:    time.Now().Add(-time.Second),
		CreatedAt:      time.Now().Add(-time.Minute),
	}
}

func TestWorker_SuccessfulRetryAcksAndResetsSubscription(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: true, StatusCode: 201}}}

	sub := activeSubscription("sub-1")
	sub.FailedCount = 2
	require.NoError(t, storage.CreateSubscription(context.Background(), sub))
	require.NoError(t, storage.EnqueueRetry(context.Background(), dueEntry("e1", "sub-1", 1)))

	w := NewWorker(testWorkerConfig(), testRetryPolicy(), storage, provider, nil, nil)
	require.NoError(t, w.cycle(context.Background()))

	assert.Empty(t, storage.pendingEntries())
	stored := storage.subscription("sub-1")
	assert.Equal(t, 0, stored.FailedCount)
	assert.NotNil(t, stored.LastUsedAt)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
}

func TestWorker_FailureReenqueuesWithIncrementedAttempt(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: false, StatusCode: 503, ShouldRetry: true}}}

	require.NoError(t, storage.CreateSubscription(context.Background(), activeSubscription("sub-1")))
	require.NoError(t, storage.EnqueueRetry(context.Background(), dueEntry("e1", "sub-1", 1)))

	w := NewWorker(testWorkerConfig(), testRetryPolicy(), storage, provider, nil, nil)
	before := time.Now()
	require.NoError(t, w.cycle(context.Background()))

	entries := storage.pendingEntries()
	require.Len(t, entries, 1)
	assert.NotEqual(t, "e1", entries[0].ID)
	assert.Equal(t, 2, entries[0].Attempt)
	assert.NotEmpty(t, entries[0].LastError)
	// Attempt 2 with base 1s, factor 2, no jitter: 4s out.
	assert.WithinDuration(t, before.Add(4*time.Second), entries[0].NextRetryAt, 300*time.Millisecond)
}

func TestWorker_ExhaustedRetriesExpireSubscription(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: false, StatusCode: 500, ShouldRetry: true}}}

	sub := activeSubscription("sub-1")
	sub.FailedCount = 2
	require.NoError(t, storage.CreateSubscription(context.Background(), sub))
	// Entry has already consumed the full retry budget.
	require.NoError(t, storage.EnqueueRetry(context.Background(), dueEntry("e1", "sub-1", 3)))

	w := NewWorker(testWorkerConfig(), testRetryPolicy(), storage, provider, nil, nil)
	require.NoError(t, w.cycle(context.Background()))

	assert.Empty(t, storage.pendingEntries())
	stored := storage.subscription("sub-1")
	assert.Equal(t, domain.SubscriptionStatusExpired, stored.Status)
	assert.Equal(t, 3, stored.FailedCount)
}

func TestWorker_OrphanedEntryAckedAndSkipped(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: true}}}

	require.NoError(t, storage.EnqueueRetry(context.Background(), dueEntry("e1", "gone", 0)))

	w := NewWorker(testWorkerConfig(), testRetryPolicy(), storage, provider, nil, nil)
	require.NoError(t, w.cycle(context.Background()))

	assert.Empty(t, storage.pendingEntries())
	assert.Zero(t, provider.callCount())
}

func TestWorker_TransportErrorDefaultsToRetryable(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{
		script: []*ProviderResult{nil},
		errs:   []error{assert.AnError},
	}

	require.NoError(t, storage.CreateSubscription(context.Background(), activeSubscription("sub-1")))
	require.NoError(t, storage.EnqueueRetry(context.Background(), dueEntry("e1", "sub-1", 0)))

	w := NewWorker(testWorkerConfig(), testRetryPolicy(), storage, provider, nil, nil)
	require.NoError(t, w.cycle(context.Background()))

	entries := storage.pendingEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempt)
}

func TestWorker_FutureEntriesNotProcessed(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{script: []*ProviderResult{{Success: true}}}

	require.NoError(t, storage.CreateSubscription(context.Background(), activeSubscription("sub-1")))
	entry := dueEntry("e1", "sub-1", 0)
	entry.NextRetryAt = time.Now().Add(time.Hour)
	require.NoError(t, storage.EnqueueRetry(context.Background(), entry))

	w := NewWorker(testWorkerConfig(), testRetryPolicy(), storage, provider, nil, nil)
	require.NoError(t, w.cycle(context.Background()))

	assert.Len(t, storage.pendingEntries(), 1)
	assert.Zero(t, provider.callCount())
}

func TestWorker_StartStopDrains(t *testing.T) {
	storage := newMemStorage()
	provider := &scriptProvider{
		script: []*ProviderResult{{Success: true, StatusCode: 201}},
		delay:  20 * time.Millisecond,
	}

	require.NoError(t, storage.CreateSubscription(context.Background(), activeSubscription("sub-1")))
	require.NoError(t, storage.EnqueueRetry(context.Background(), dueEntry("e1", "sub-1", 0)))

	w := NewWorker(testWorkerConfig(), testRetryPolicy(), storage, provider, nil, nil)
	w.Start(context.Background())

	assert.Eventually(t, func() bool {
		return len(storage.pendingEntries()) == 0
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	// Second stop is a no-op.
	w.Stop()
}

func TestWorker_DequeueErrorSurfacedFromCycle(t *testing.T) {
	storage := newMemStorage()
	storage.dequeueErr = assert.AnError

	w := NewWorker(testWorkerConfig(), testRetryPolicy(), storage, &scriptProvider{script: []*ProviderResult{{Success: true}}}, nil, nil)

	err := w.cycle(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}
