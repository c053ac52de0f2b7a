package push

import (
	"context"

	"github.com/pushmill/pushmill/internal/domain"
)

// ProviderResult is the outcome of a single transport attempt.
type ProviderResult struct {
	Success     bool
	StatusCode  int
	Err         error
	ShouldRetry bool
	RetryAfter  int // seconds, provider-supplied override for the next attempt
}

// Provider is the wire-level push transport.
type Provider interface {
	Send(ctx context.Context, sub *domain.Subscription, payload *domain.NotificationPayload, opts *domain.SendOptions) (*ProviderResult, error)
	Name() string
}

// SendResult summarizes one delivery attempt through the orchestrator.
type SendResult struct {
	Success    bool
	Enqueued   bool // a retry entry was persisted
	StatusCode int
	Err        error
}

// BatchResult aggregates the per-subscription outcomes of a BatchSend.
type BatchResult struct {
	Total   int
	Success int
	Failed  int
	Retried int
	Results []SendResult
}
