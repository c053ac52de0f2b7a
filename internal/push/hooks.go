package push

import (
	"log/slog"

	"github.com/pushmill/pushmill/internal/domain"
)

// Hooks are optional lifecycle callbacks around the send pipeline. They are
// best effort: a panic inside a hook is caught and logged, never propagated
// to the caller.
type Hooks struct {
	OnSend    func(sub *domain.Subscription, payload *domain.NotificationPayload)
	OnSuccess func(sub *domain.Subscription, result *SendResult)
	OnFailure func(sub *domain.Subscription, err error)
	OnRetry   func(sub *domain.Subscription, attempt int)
}

func fireHook(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lifecycle hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}

func (h *Hooks) fireOnSend(sub *domain.Subscription, payload *domain.NotificationPayload) {
	if h == nil || h.OnSend == nil {
		return
	}
	fireHook("on_send", func() { h.OnSend(sub, payload) })
}

func (h *Hooks) fireOnSuccess(sub *domain.Subscription, result *SendResult) {
	if h == nil || h.OnSuccess == nil {
		return
	}
	fireHook("on_success", func() { h.OnSuccess(sub, result) })
}

func (h *Hooks) fireOnFailure(sub *domain.Subscription, err error) {
	if h == nil || h.OnFailure == nil {
		return
	}
	fireHook("on_failure", func() { h.OnFailure(sub, err) })
}

func (h *Hooks) fireOnRetry(sub *domain.Subscription, attempt int) {
	if h == nil || h.OnRetry == nil {
		return
	}
	fireHook("on_retry", func() { h.OnRetry(sub, attempt) })
}
