package push

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pushmill/pushmill/internal/domain"
)

// memStorage is an in-memory Storage for tests.
type memStorage struct {
	mu      sync.Mutex
	subs    map[string]*domain.Subscription
	entries map[string]*RetryEntry
	closed  bool

	enqueueErr error
	dequeueErr error
}

func newMemStorage() *memStorage {
	return &memStorage{
		subs:    make(map[string]*domain.Subscription),
		entries: make(map[string]*RetryEntry),
	}
}

func (m *memStorage) CreateSubscription(_ context.Context, sub *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *memStorage) GetSubscriptionByID(_ context.Context, id string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *memStorage) FindSubscriptions(_ context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if filter.Status != nil && sub.Status != *filter.Status {
			continue
		}
		out = append(out, *sub)
	}
	return out, nil
}

func (m *memStorage) UpdateSubscription(_ context.Context, id string, upd domain.SubscriptionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if upd.Status != nil {
		sub.Status = *upd.Status
	}
	if upd.FailedCount != nil {
		sub.FailedCount = *upd.FailedCount
	}
	if upd.LastUsedAt != nil {
		sub.LastUsedAt = upd.LastUsedAt
	}
	if upd.Metadata != nil {
		sub.Metadata = upd.Metadata
	}
	sub.UpdatedAt = time.Now()
	return nil
}

func (m *memStorage) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *memStorage) EnqueueRetry(_ context.Context, entry *RetryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	cp := *entry
	m.entries[entry.ID] = &cp
	return nil
}

func (m *memStorage) DequeueRetry(_ context.Context, limit int) ([]RetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dequeueErr != nil {
		return nil, m.dequeueErr
	}
	now := time.Now()
	out := make([]RetryEntry, 0)
	for _, e := range m.entries {
		if !e.NextRetryAt.After(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStorage) AckRetry(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *memStorage) GetQueueStats(_ context.Context) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &QueueStats{Pending: len(m.entries)}, nil
}

func (m *memStorage) Migrate(_ context.Context) error { return nil }

func (m *memStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStorage) pendingEntries() []RetryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RetryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}

func (m *memStorage) subscription(id string) *domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp
	}
	return nil
}

// scriptProvider returns scripted results in order, repeating the last one
// when the script runs out.
type scriptProvider struct {
	mu      sync.Mutex
	script  []*ProviderResult
	errs    []error
	calls   int
	delay   time.Duration
	sendFn  func() // invoked on every Send when set
}

func (p *scriptProvider) Send(_ context.Context, _ *domain.Subscription, _ *domain.NotificationPayload, _ *domain.SendOptions) (*ProviderResult, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	res := p.script[idx]
	var err error
	if idx < len(p.errs) {
		err = p.errs[idx]
	}
	fn := p.sendFn
	delay := p.delay
	p.mu.Unlock()

	if fn != nil {
		fn()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return res, err
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func activeSubscription(id string) *domain.Subscription {
	return &domain.Subscription{
		ID:       id,
		Endpoint: "https://push.example.com/endpoint/" + id,
		Keys: domain.SubscriptionKeys{
			P256dh: "BNcW4oA7zq5H9TKIrA3XfKclN2fX9P_9KzXIm-1wotOC",
			Auth:   "tBHItJI5svbpez7KI4CCXg",
		},
		Status:    domain.SubscriptionStatusActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func testPayload() *domain.NotificationPayload {
	return &domain.NotificationPayload{Title: "hello", Body: "world"}
}

func noJitter() *bool {
	v := false
	return &v
}

func testConfig(storage Storage, provider Provider) Config {
	return Config{
		VAPID: VAPIDConfig{
			PublicKey:  "test-public-key",
			PrivateKey: "test-private-key",
			Subscriber: "mailto:ops@example.com",
		},
		Retry:    RetryPolicy{Jitter: noJitter()},
		Storage:  storage,
		Provider: provider,
	}
}
