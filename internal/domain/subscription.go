package domain

import "time"

type SubscriptionStatus string

const (
	SubscriptionStatusActive  SubscriptionStatus = "active"
	SubscriptionStatusBlocked SubscriptionStatus = "blocked"
	SubscriptionStatusExpired SubscriptionStatus = "expired"
)

// SubscriptionKeys holds the client key material used to encrypt pushes.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is a registered push destination (browser/device endpoint
// plus its encryption keys).
type Subscription struct {
	ID          string             `json:"id"`
	Endpoint    string             `json:"endpoint"`
	Keys        SubscriptionKeys   `json:"keys"`
	UserID      *string            `json:"user_id,omitempty"`
	Status      SubscriptionStatus `json:"status"`
	FailedCount int                `json:"failed_count"`
	LastUsedAt  *time.Time         `json:"last_used_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// SubscriptionFilter narrows subscription lookups.
type SubscriptionFilter struct {
	UserID *string
	Status *SubscriptionStatus
	Limit  int
	Offset int
}

// SubscriptionUpdate carries partial field updates; nil fields are left
// untouched.
type SubscriptionUpdate struct {
	Status      *SubscriptionStatus
	FailedCount *int
	LastUsedAt  *time.Time
	Metadata    map[string]string
}
