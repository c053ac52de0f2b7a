package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pushmill/pushmill/internal/domain"
)

// Worker drains the persisted retry queue in the background. It is a single
// polling loop with bounded-parallelism processing of dequeued entries, and
// may run concurrently with direct Send calls against the same storage.
type Worker struct {
	cfg      WorkerConfig
	retry    RetryPolicy
	storage  Storage
	provider Provider
	metrics  Metrics
	logger   *slog.Logger

	running  atomic.Bool
	stopCh   chan struct{}
	loopWg   sync.WaitGroup
	inflight sync.WaitGroup
}

// NewWorker creates a retry worker. The retry policy must match the one the
// orchestrator enqueues with so attempt budgets line up.
func NewWorker(cfg WorkerConfig, retry RetryPolicy, storage Storage, provider Provider, metrics Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig().Worker
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaults.ErrorBackoff
	}
	return &Worker{
		cfg:      cfg,
		retry:    retry,
		storage:  storage,
		provider: provider,
		metrics:  metrics,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop. Calling Start on a running worker is a
// no-op.
func (w *Worker) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}

	w.logger.Info("starting retry worker",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
		"concurrency", w.cfg.Concurrency,
	)

	w.loopWg.Add(1)
	go w.run(ctx)
}

// Stop flips the running flag and waits for in-flight entry processing to
// drain before returning.
func (w *Worker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	close(w.stopCh)
	w.loopWg.Wait()
	w.inflight.Wait()
	w.logger.Info("retry worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.loopWg.Done()

	for {
		delay := w.cfg.PollInterval
		if err := w.cycle(ctx); err != nil {
			w.logger.Error("retry cycle failed", "error", err)
			delay = w.cfg.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// cycle dequeues one batch of due entries and processes it in groups of
// Concurrency. Groups run sequentially; entries within a group run in
// parallel.
func (w *Worker) cycle(ctx context.Context) error {
	entries, err := w.storage.DequeueRetry(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("dequeue retries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	w.logger.Debug("processing retry entries", "count", len(entries))

	for groupStart := 0; groupStart < len(entries); groupStart += w.cfg.Concurrency {
		groupEnd := min(groupStart+w.cfg.Concurrency, len(entries))

		var wg sync.WaitGroup
		for i := groupStart; i < groupEnd; i++ {
			wg.Add(1)
			w.inflight.Add(1)
			go func(entry RetryEntry) {
				defer wg.Done()
				defer w.inflight.Done()
				w.processEntry(ctx, entry)
			}(entries[i])
		}
		wg.Wait()
	}

	return nil
}

// processEntry delivers one queued retry. The entry is always acknowledged,
// whatever the outcome, so a poison entry cannot loop forever.
func (w *Worker) processEntry(ctx context.Context, entry RetryEntry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("retry processing panicked", "entry_id", entry.ID, "panic", r)
			w.ack(ctx, entry.ID)
		}
	}()

	sub, err := w.storage.GetSubscriptionByID(ctx, entry.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			w.logger.Debug("subscription gone, dropping retry", "entry_id", entry.ID, "subscription_id", entry.SubscriptionID)
			w.ack(ctx, entry.ID)
			incrMetric(w.metrics, MetricRetryProcessed, map[string]string{"status": "orphaned"})
			return
		}
		w.logger.Error("failed to load subscription for retry", "entry_id", entry.ID, "error", err)
		w.ack(ctx, entry.ID)
		incrMetric(w.metrics, MetricRetryProcessed, map[string]string{"status": "error"})
		return
	}

	res, err := w.provider.Send(ctx, sub, &entry.Payload, nil)
	if err != nil {
		// Transport errors without a result default to retryable.
		res = &ProviderResult{Success: false, ShouldRetry: true, Err: err}
	}

	if res.Success {
		w.ack(ctx, entry.ID)
		now := time.Now()
		zero := 0
		upd := domain.SubscriptionUpdate{FailedCount: &zero, LastUsedAt: &now}
		if uerr := w.storage.UpdateSubscription(ctx, sub.ID, upd); uerr != nil {
			w.logger.Error("failed to record retry success", "subscription_id", sub.ID, "error", uerr)
		}
		incrMetric(w.metrics, MetricRetryProcessed, map[string]string{"status": "success"})
		w.logger.Debug("retry delivered", "entry_id", entry.ID, "attempt", entry.Attempt)
		return
	}

	perr := &ProviderError{StatusCode: res.StatusCode, Retryable: res.ShouldRetry, Err: res.Err}

	if ShouldRetry(res, entry.Attempt, w.retry.MaxRetries) {
		next := &RetryEntry{
			ID:             uuid.NewString(),
			SubscriptionID: entry.SubscriptionID,
			Payload:        entry.Payload,
			Attempt:        entry.Attempt + 1,
			NextRetryAt:    NextRetryAt(entry.Attempt+1, w.retry, time.Duration(res.RetryAfter)*time.Second),
			LastError:      perr.Error(),
			CreatedAt:      time.Now(),
		}
		// Enqueue-then-ack: not atomic across a crash, see DequeueRetry docs.
		if serr := w.storage.EnqueueRetry(ctx, next); serr != nil {
			w.logger.Error("failed to re-enqueue retry", "entry_id", entry.ID, "error", serr)
		}
		w.ack(ctx, entry.ID)
		incrMetric(w.metrics, MetricRetryProcessed, map[string]string{"status": "retried"})
		w.logger.Info("retry re-enqueued",
			"entry_id", entry.ID,
			"attempt", next.Attempt,
			"next_retry_at", next.NextRetryAt,
		)
		return
	}

	// Retry budget exhausted: the subscription is considered dead.
	w.ack(ctx, entry.ID)
	expired := domain.SubscriptionStatusExpired
	failed := sub.FailedCount + 1
	upd := domain.SubscriptionUpdate{Status: &expired, FailedCount: &failed}
	if uerr := w.storage.UpdateSubscription(ctx, sub.ID, upd); uerr != nil {
		w.logger.Error("failed to expire subscription", "subscription_id", sub.ID, "error", uerr)
	}
	incrMetric(w.metrics, MetricRetryProcessed, map[string]string{"status": "exhausted"})
	w.logger.Warn("retry budget exhausted, subscription expired",
		"entry_id", entry.ID,
		"subscription_id", sub.ID,
		"attempt", entry.Attempt,
		"error", perr,
	)
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.storage.AckRetry(ctx, id); err != nil {
		w.logger.Error("failed to ack retry entry", "entry_id", id, "error", err)
	}
}
