// Package webpush provides the Web Push (VAPID) provider adapter.
package webpush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	webpushgo "github.com/SherClockHolmes/webpush-go"

	"github.com/pushmill/pushmill/internal/domain"
	"github.com/pushmill/pushmill/internal/push"
)

// Config holds the application server credentials and client settings.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string // mailto: or https: contact for the push service
	Timeout         time.Duration
	DefaultTTL      int
}

// Provider implements push.Provider over the Web Push protocol.
type Provider struct {
	cfg    Config
	client *http.Client
}

// NewProvider creates a web-push provider.
// Returns an error if the VAPID key pair is missing.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errors.New("webpush provider: VAPID key pair is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 86400
	}

	slog.Info("webpush provider configured",
		"subscriber", cfg.Subscriber,
		"timeout", cfg.Timeout,
	)

	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "webpush"
}

// Send encrypts and delivers one notification. Transport-level failures are
// reported inside the ProviderResult so the caller can apply its retry
// decision; the error return is reserved for marshalling problems.
func (p *Provider) Send(ctx context.Context, sub *domain.Subscription, payload *domain.NotificationPayload, opts *domain.SendOptions) (*push.ProviderResult, error) {
	message, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	target := &webpushgo.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpushgo.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}

	options := &webpushgo.Options{
		HTTPClient:      p.client,
		Subscriber:      p.cfg.Subscriber,
		VAPIDPublicKey:  p.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: p.cfg.VAPIDPrivateKey,
		TTL:             p.cfg.DefaultTTL,
	}
	if opts != nil {
		if opts.TTL > 0 {
			options.TTL = opts.TTL
		}
		if opts.Urgency != "" {
			options.Urgency = webpushgo.Urgency(opts.Urgency)
		}
		options.Topic = opts.Topic
	}

	resp, err := webpushgo.SendNotificationWithContext(ctx, message, target, options)
	if err != nil {
		// Connection and timeout errors are worth another attempt.
		return &push.ProviderResult{
			Success:     false,
			ShouldRetry: true,
			Err:         err,
		}, nil
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	return resultForStatus(resp), nil
}

// resultForStatus maps a push service response onto a ProviderResult.
//
//   - 2xx: delivered
//   - 429: rate limited, retry (honoring Retry-After)
//   - 404/410: subscription gone, permanent
//   - other 4xx: permanent (a client error will not self-correct)
//   - 5xx: transient, retry
func resultForStatus(resp *http.Response) *push.ProviderResult {
	code := resp.StatusCode

	if code >= 200 && code < 300 {
		return &push.ProviderResult{Success: true, StatusCode: code}
	}

	result := &push.ProviderResult{
		Success:    false,
		StatusCode: code,
		Err:        fmt.Errorf("push service returned %s", resp.Status),
	}

	switch {
	case code == http.StatusTooManyRequests:
		result.ShouldRetry = true
		result.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case code == http.StatusNotFound || code == http.StatusGone:
		result.ShouldRetry = false
	case code >= 500:
		result.ShouldRetry = true
	default:
		result.ShouldRetry = false
	}

	return result
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) int {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return seconds
	}
	if at, err := http.ParseTime(value); err == nil {
		if delta := int(time.Until(at).Seconds()); delta > 0 {
			return delta
		}
	}
	return 0
}

var _ push.Provider = (*Provider)(nil)
