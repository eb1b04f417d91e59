package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/conn"
	"github.com/noorsoft/beacon/internal/event"
	"github.com/noorsoft/beacon/internal/metrics"
)

// Engine is the slice of the delivery engine the API surface uses.
type Engine interface {
	EnqueueExternalEvent(ctx context.Context, rec *event.Record) error
	PendingFor(recipientID uuid.UUID) []event.Record
	ConnectionState() conn.State
	Metrics() metrics.Snapshot
	Subscribe(ctx context.Context, topic, filter string) (uuid.UUID, error)
	Unsubscribe(id uuid.UUID)
}

// EventRequest represents the incoming request body for POST /v1/events.
type EventRequest struct {
	Topic       string              `json:"topic"`
	RecipientID string              `json:"recipient_id"`
	Priority    string              `json:"priority"`
	Payload     json.RawMessage     `json:"payload"`
	Flags       event.CulturalFlags `json:"cultural_flags"`
}

// EventResponse is returned after accepting an event.
type EventResponse struct {
	ID string `json:"id"`
}

// SubscriptionRequest represents the incoming request body for POST /v1/subscriptions.
type SubscriptionRequest struct {
	Topic  string `json:"topic"`
	Filter string `json:"filter"`
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger *zap.Logger
	engine Engine
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.Logger, engine Engine) *Handler {
	return &Handler{
		logger: logger,
		engine: engine,
	}
}

// CreateEvent handles POST /v1/events.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Topic == "" || req.RecipientID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "topic and recipient_id are required")
		return
	}

	if !event.KnownTopic(event.Topic(req.Topic)) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown topic", "topic is not one the engine routes")
		return
	}

	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
		return
	}

	priority, err := event.ParsePriority(req.Priority)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority", "priority must be low, normal, high or urgent")
		return
	}

	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", "payload must be valid JSON")
		return
	}

	rec := &event.Record{
		ID:          uuid.New(),
		Topic:       event.Topic(req.Topic),
		RecipientID: recipientID,
		Priority:    priority,
		Payload:     req.Payload,
		Flags:       req.Flags,
	}

	if err := h.engine.EnqueueExternalEvent(ctx, rec); err != nil {
		h.logger.Error("failed to enqueue event",
			zap.Error(err),
			zap.String("topic", req.Topic),
			zap.String("recipient_id", req.RecipientID),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue event", "")
		return
	}

	h.logger.Info("event accepted",
		zap.String("id", rec.ID.String()),
		zap.String("topic", req.Topic),
		zap.String("priority", rec.Priority.String()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(EventResponse{ID: rec.ID.String()})
}

// ListPending handles GET /v1/recipients/{id}/pending.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	recipientID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient ID", "ID must be a valid UUID")
		return
	}

	pending := h.engine.PendingFor(recipientID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  pending,
		"count": len(pending),
	})
}

// GetConnection handles GET /v1/connection.
func (h *Handler) GetConnection(w http.ResponseWriter, r *http.Request) {
	st := h.engine.ConnectionState()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"phase":              st.Phase.String(),
		"quality":            st.Quality.String(),
		"last_connected_at":  st.LastConnectedAt,
		"reconnect_attempts": st.ReconnectAttempts,
	})
}

// GetMetrics handles GET /v1/metrics (delivery counters, not Prometheus).
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.engine.Metrics())
}

// CreateSubscription handles POST /v1/subscriptions.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Topic == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing topic", "topic is required")
		return
	}

	id, err := h.engine.Subscribe(r.Context(), req.Topic, req.Filter)
	if err != nil {
		h.logger.Error("failed to subscribe",
			zap.Error(err),
			zap.String("topic", req.Topic),
		)
		h.writeError(w, http.StatusInternalServerError, "subscribe_error", "Failed to subscribe", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id.String()})
}

// DeleteSubscription handles DELETE /v1/subscriptions/{id}.
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription ID", "ID must be a valid UUID")
		return
	}

	h.engine.Unsubscribe(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
