package api

import (
	"encoding/json"
	"net/http"

	"github.com/leadpulse/webhooks/internal/engine"
)

// TriggerHandler is the inbound fire-and-forget entry point domain
// subsystems call when a notable event occurs.
type TriggerHandler struct {
	dispatcher *engine.Dispatcher
}

func NewTriggerHandler(d *engine.Dispatcher) *TriggerHandler {
	return &TriggerHandler{dispatcher: d}
}

type triggerRequest struct {
	TenantID  string          `json:"tenant_id"`
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id"`
	Data      json.RawMessage `json:"data"`
}

type triggerResponse struct {
	EventID          string `json:"event_id"`
	EventType        string `json:"event_type"`
	DeliveriesQueued int    `json:"deliveries_queued"`
}

func (h *TriggerHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if req.EventID == "" {
		respondError(w, http.StatusBadRequest, "event_id is required")
		return
	}
	if len(req.Data) > 0 && !json.Valid(req.Data) {
		respondError(w, http.StatusBadRequest, "data must be valid JSON")
		return
	}

	queued, err := h.dispatcher.Trigger(r.Context(), req.TenantID, req.EventType, req.EventID, req.Data)
	if err != nil {
		// The producer is decoupled from delivery: the event is
		// accepted, the lookup failure is logged by the dispatcher.
		respondJSON(w, http.StatusAccepted, triggerResponse{
			EventID:   req.EventID,
			EventType: req.EventType,
		})
		return
	}

	respondJSON(w, http.StatusAccepted, triggerResponse{
		EventID:          req.EventID,
		EventType:        req.EventType,
		DeliveriesQueued: queued,
	})
}
