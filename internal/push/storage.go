package push

import (
	"context"
	"time"

	"github.com/pushmill/pushmill/internal/domain"
)

// RetryEntry is a queued, not-yet-successful delivery awaiting its next
// eligible retry time. Attempt is 0-indexed and never decreases across
// re-enqueues of the same failure chain.
type RetryEntry struct {
	ID             string
	SubscriptionID string
	Payload        domain.NotificationPayload
	Attempt        int
	NextRetryAt    time.Time
	LastError      string
	CreatedAt      time.Time
}

// QueueStats describes the retry queue by state.
type QueueStats struct {
	Pending    int
	Processing int
	Failed     int
}

// Storage is the persistence collaborator for subscriptions and the retry
// queue. Implementations must be safe for concurrent use.
type Storage interface {
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	GetSubscriptionByID(ctx context.Context, id string) (*domain.Subscription, error)
	FindSubscriptions(ctx context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, upd domain.SubscriptionUpdate) error
	DeleteSubscription(ctx context.Context, id string) error

	EnqueueRetry(ctx context.Context, entry *RetryEntry) error
	// DequeueRetry returns up to limit entries whose NextRetryAt has elapsed,
	// ordered ascending by NextRetryAt.
	DequeueRetry(ctx context.Context, limit int) ([]RetryEntry, error)
	// AckRetry is idempotent: acking a missing id is not an error.
	AckRetry(ctx context.Context, id string) error
	GetQueueStats(ctx context.Context) (*QueueStats, error)

	Migrate(ctx context.Context) error
	Close() error
}
