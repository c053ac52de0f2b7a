// Package postgres provides the PostgreSQL implementation of the push
// storage adapter.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pushmill/pushmill/internal/domain"
	"github.com/pushmill/pushmill/internal/push"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements push.Storage backed by PostgreSQL.
type Store struct {
	db  *pgxpool.Pool
	url string
}

// NewStore creates a store over an existing pool. url is kept for running
// migrations.
func NewStore(db *pgxpool.Pool, url string) *Store {
	return &Store{db: db, url: url}
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(_ context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	// The migrate pgx/v5 driver registers under the pgx5 scheme.
	url := strings.Replace(s.url, "postgres://", "pgx5://", 1)
	url = strings.Replace(url, "postgresql://", "pgx5://", 1)

	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// CreateSubscription inserts a subscription, generating the id when unset.
func (s *Store) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	metadata, err := marshalMetadata(sub.Metadata)
	if err != nil {
		return err
	}

	if sub.Status == "" {
		sub.Status = domain.SubscriptionStatusActive
	}

	query := `
		INSERT INTO subscriptions (endpoint, p256dh, auth, user_id, status, failed_count, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	err = s.db.QueryRow(ctx, query,
		sub.Endpoint,
		sub.Keys.P256dh,
		sub.Keys.Auth,
		sub.UserID,
		sub.Status,
		sub.FailedCount,
		sub.ExpiresAt,
		metadata,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, endpoint, p256dh, auth, user_id, status, failed_count, last_used_at, created_at, updated_at, expires_at, metadata`

// GetSubscriptionByID retrieves one subscription.
func (s *Store) GetSubscriptionByID(ctx context.Context, id string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, push.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// FindSubscriptions lists subscriptions matching the filter, newest first.
func (s *Store) FindSubscriptions(ctx context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error) {
	var (
		conds []string
		args  []any
	)
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]domain.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// UpdateSubscription applies the set fields of upd.
func (s *Store) UpdateSubscription(ctx context.Context, id string, upd domain.SubscriptionUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}

	if upd.Status != nil {
		args = append(args, *upd.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if upd.FailedCount != nil {
		args = append(args, *upd.FailedCount)
		sets = append(sets, fmt.Sprintf("failed_count = $%d", len(args)))
	}
	if upd.LastUsedAt != nil {
		args = append(args, *upd.LastUsedAt)
		sets = append(sets, fmt.Sprintf("last_used_at = $%d", len(args)))
	}
	if upd.Metadata != nil {
		metadata, err := marshalMetadata(upd.Metadata)
		if err != nil {
			return err
		}
		args = append(args, metadata)
		sets = append(sets, fmt.Sprintf("metadata = $%d", len(args)))
	}

	query := fmt.Sprintf("UPDATE subscriptions SET %s WHERE id = $1", strings.Join(sets, ", "))
	result, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return push.ErrSubscriptionNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription and, via cascade, its queued
// retries.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	result, err := s.db.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return push.ErrSubscriptionNotFound
	}
	return nil
}

// EnqueueRetry persists a retry entry.
func (s *Store) EnqueueRetry(ctx context.Context, entry *push.RetryEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO retry_queue (id, subscription_id, payload, attempt, next_retry_at, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	`
	if _, err := s.db.Exec(ctx, query,
		entry.ID,
		entry.SubscriptionID,
		payload,
		entry.Attempt,
		entry.NextRetryAt,
		entry.LastError,
		entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	return nil
}

// DequeueRetry returns up to limit due entries ordered by next_retry_at.
// Entries are not marked as claimed: two workers polling the same database
// can dequeue the same entry. Single-worker deployments only.
func (s *Store) DequeueRetry(ctx context.Context, limit int) ([]push.RetryEntry, error) {
	query := `
		SELECT id, subscription_id, payload, attempt, next_retry_at, COALESCE(last_error, ''), created_at
		FROM retry_queue
		WHERE next_retry_at <= NOW()
		ORDER BY next_retry_at ASC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue retries: %w", err)
	}
	defer rows.Close()

	entries := make([]push.RetryEntry, 0)
	for rows.Next() {
		var (
			entry   push.RetryEntry
			payload []byte
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.SubscriptionID,
			&payload,
			&entry.Attempt,
			&entry.NextRetryAt,
			&entry.LastError,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan retry entry: %w", err)
		}
		if err := json.Unmarshal(payload, &entry.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// AckRetry deletes a queue entry. Acking a missing id is not an error.
func (s *Store) AckRetry(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM retry_queue WHERE id = $1`, id); err != nil {
		return fmt.Errorf("ack retry: %w", err)
	}
	return nil
}

// GetQueueStats reports queue depth. Entries past their retry time count as
// processing since the worker may pick them up at any moment; failed counts
// subscriptions expired after exhausting their retry budget.
func (s *Store) GetQueueStats(ctx context.Context) (*push.QueueStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM retry_queue WHERE next_retry_at >  NOW()),
			(SELECT COUNT(*) FROM retry_queue WHERE next_retry_at <= NOW()),
			(SELECT COUNT(*) FROM subscriptions WHERE status = 'expired')
	`
	var stats push.QueueStats
	if err := s.db.QueryRow(ctx, query).Scan(&stats.Pending, &stats.Processing, &stats.Failed); err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var (
		sub      domain.Subscription
		metadata []byte
	)
	if err := row.Scan(
		&sub.ID,
		&sub.Endpoint,
		&sub.Keys.P256dh,
		&sub.Keys.Auth,
		&sub.UserID,
		&sub.Status,
		&sub.FailedCount,
		&sub.LastUsedAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
		&sub.ExpiresAt,
		&metadata,
	); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &sub, nil
}

var _ push.Storage = (*Store)(nil)
