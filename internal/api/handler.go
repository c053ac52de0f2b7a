// Package api provides HTTP handlers for managing subscriptions and
// triggering push deliveries.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pushmill/pushmill/internal/domain"
	"github.com/pushmill/pushmill/internal/pkg/httputil"
	"github.com/pushmill/pushmill/internal/push"
)

// Pagination constants.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Handler handles HTTP requests for subscriptions and sends.
type Handler struct {
	service   *push.Service
	storage   push.Storage
	validator *validator.Validate
}

// NewHandler creates a new API handler.
func NewHandler(service *push.Service, storage push.Storage) *Handler {
	return &Handler{
		service:   service,
		storage:   storage,
		validator: validator.New(),
	}
}

// RegisterRoutes registers all HTTP routes for the API.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/", h.ListSubscriptions)
		r.Post("/", h.CreateSubscription)
		r.Get("/{id}", h.GetSubscription)
		r.Patch("/{id}", h.UpdateSubscription)
		r.Delete("/{id}", h.DeleteSubscription)
	})

	r.Route("/notifications", func(r chi.Router) {
		r.Post("/send", h.Send)
		r.Post("/broadcast", h.Broadcast)
	})

	r.Get("/queue/stats", h.QueueStats)
}

// CreateSubscriptionRequest represents the request body for registering a
// push subscription.
type CreateSubscriptionRequest struct {
	Endpoint string                  `json:"endpoint" validate:"required,url"`
	Keys     SubscriptionKeysRequest `json:"keys" validate:"required"`
	UserID   *string                 `json:"user_id"`
	Metadata map[string]string       `json:"metadata"`
}

// SubscriptionKeysRequest carries the client encryption keys.
type SubscriptionKeysRequest struct {
	P256dh string `json:"p256dh" validate:"required"`
	Auth   string `json:"auth" validate:"required"`
}

// ToDomain converts the request to a domain model.
func (r *CreateSubscriptionRequest) ToDomain() *domain.Subscription {
	return &domain.Subscription{
		Endpoint: r.Endpoint,
		Keys: domain.SubscriptionKeys{
			P256dh: r.Keys.P256dh,
			Auth:   r.Keys.Auth,
		},
		UserID:   r.UserID,
		Status:   domain.SubscriptionStatusActive,
		Metadata: r.Metadata,
	}
}

// UpdateSubscriptionRequest represents the request body for partially
// updating a subscription.
type UpdateSubscriptionRequest struct {
	Status   *string           `json:"status" validate:"omitempty,oneof=active blocked expired"`
	Metadata map[string]string `json:"metadata"`
}

// SendRequest represents the request body for a single delivery.
type SendRequest struct {
	SubscriptionID string                      `json:"subscription_id" validate:"required,uuid4"`
	Payload        *domain.NotificationPayload `json:"payload" validate:"required"`
	Options        *domain.SendOptions         `json:"options"`
}

// BroadcastRequest represents the request body for delivering one payload to
// every subscription matching the filter.
type BroadcastRequest struct {
	UserID  *string                     `json:"user_id"`
	Status  *string                     `json:"status" validate:"omitempty,oneof=active blocked expired"`
	Payload *domain.NotificationPayload `json:"payload" validate:"required"`
	Options *domain.SendOptions         `json:"options"`
}

// SendResponse is the JSON shape of a single delivery outcome.
type SendResponse struct {
	Success    bool   `json:"success"`
	Enqueued   bool   `json:"enqueued"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BroadcastResponse aggregates broadcast delivery outcomes.
type BroadcastResponse struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Retried int `json:"retried"`
}

// QueueStatsResponse is the JSON shape of retry queue statistics.
type QueueStatsResponse struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

// CreateSubscription handles POST /subscriptions request.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	sub := req.ToDomain()
	if err := h.storage.CreateSubscription(r.Context(), sub); err != nil {
		h.handleStorageError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusCreated, sub)
}

// GetSubscription handles GET /subscriptions/{id} request.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.storage.GetSubscriptionByID(r.Context(), id)
	if err != nil {
		h.handleStorageError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, sub)
}

// ListSubscriptions handles GET /subscriptions request.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	filter := domain.SubscriptionFilter{Limit: DefaultListLimit}

	q := r.URL.Query()
	if userID := q.Get("user_id"); userID != "" {
		filter.UserID = &userID
	}
	if status := q.Get("status"); status != "" {
		s := domain.SubscriptionStatus(status)
		filter.Status = &s
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > MaxListLimit {
			httputil.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			httputil.Error(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = offset
	}

	subs, err := h.storage.FindSubscriptions(r.Context(), filter)
	if err != nil {
		h.handleStorageError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, subs)
}

// UpdateSubscription handles PATCH /subscriptions/{id} request.
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	upd := domain.SubscriptionUpdate{Metadata: req.Metadata}
	if req.Status != nil {
		status := domain.SubscriptionStatus(*req.Status)
		upd.Status = &status
	}

	if err := h.storage.UpdateSubscription(r.Context(), id, upd); err != nil {
		h.handleStorageError(w, r, err)
		return
	}

	sub, err := h.storage.GetSubscriptionByID(r.Context(), id)
	if err != nil {
		h.handleStorageError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, sub)
}

// DeleteSubscription handles DELETE /subscriptions/{id} request.
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.storage.DeleteSubscription(r.Context(), id); err != nil {
		h.handleStorageError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusNoContent, nil)
}

// Send handles POST /send request.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	sub, err := h.storage.GetSubscriptionByID(r.Context(), req.SubscriptionID)
	if err != nil {
		h.handleStorageError(w, r, err)
		return
	}

	result, err := h.service.Send(r.Context(), sub, req.Payload, req.Options)
	if err != nil {
		h.handleSendError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, toSendResponse(result))
}

// Broadcast handles POST /broadcast request. The payload goes to every
// subscription matching the filter; by default only active subscriptions.
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	status := domain.SubscriptionStatusActive
	filter := domain.SubscriptionFilter{UserID: req.UserID, Status: &status}
	if req.Status != nil {
		s := domain.SubscriptionStatus(*req.Status)
		filter.Status = &s
	}

	subs, err := h.storage.FindSubscriptions(r.Context(), filter)
	if err != nil {
		h.handleStorageError(w, r, err)
		return
	}

	result, err := h.service.BatchSend(r.Context(), subs, req.Payload, req.Options)
	if err != nil {
		h.handleSendError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, BroadcastResponse{
		Total:   result.Total,
		Success: result.Success,
		Failed:  result.Failed,
		Retried: result.Retried,
	})
}

// QueueStats handles GET /queue/stats request.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.storage.GetQueueStats(r.Context())
	if err != nil {
		h.handleStorageError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, QueueStatsResponse{
		Pending:    stats.Pending,
		Processing: stats.Processing,
		Failed:     stats.Failed,
	})
}

func toSendResponse(result *push.SendResult) SendResponse {
	resp := SendResponse{
		Success:    result.Success,
		Enqueued:   result.Enqueued,
		StatusCode: result.StatusCode,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	return resp
}

func (h *Handler) handleStorageError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
		{Error: push.ErrSubscriptionNotFound, Status: http.StatusNotFound},
	})
}

func (h *Handler) handleSendError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *push.ValidationError
	var configErr *push.ConfigurationError

	switch {
	case errors.Is(err, push.ErrShuttingDown):
		httputil.Error(w, http.StatusServiceUnavailable, "service is shutting down")
	case errors.As(err, &validationErr):
		httputil.Error(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &configErr):
		httputil.Error(w, http.StatusInternalServerError, "delivery is not configured")
	default:
		h.handleStorageError(w, r, err)
	}
}
