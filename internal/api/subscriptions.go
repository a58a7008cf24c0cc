package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/leadpulse/webhooks/internal/engine"
	"github.com/leadpulse/webhooks/internal/store"
)

// SubscriptionHandler exposes read and operator endpoints for
// subscriptions. Create/update/delete belong to the external
// management API; the engine only surfaces the rows it works with.
type SubscriptionHandler struct {
	subs       store.SubscriptionRegistry
	deliveries store.DeliveryStore
	dispatcher *engine.Dispatcher
}

func NewSubscriptionHandler(subs store.SubscriptionRegistry, deliveries store.DeliveryStore, d *engine.Dispatcher) *SubscriptionHandler {
	return &SubscriptionHandler{subs: subs, deliveries: deliveries, dispatcher: d}
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	subs, err := h.subs.List(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	// Secrets and credentials stay server-side.
	for i := range subs {
		subs[i].SigningSecret = ""
		subs[i].AuthCredential = ""
	}

	respondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.subs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "subscription not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}

	sub.SigningSecret = ""
	sub.AuthCredential = ""
	respondJSON(w, http.StatusOK, sub)
}

// History returns the most recent deliveries for a subscription,
// newest first.
func (h *SubscriptionHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	deliveries, err := h.deliveries.History(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	respondJSON(w, http.StatusOK, deliveries)
}

// Stats returns windowed delivery aggregates for a subscription.
func (h *SubscriptionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	windowDays := 7
	if s := r.URL.Query().Get("window_days"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			windowDays = n
		}
	}

	stats, err := h.deliveries.Stats(r.Context(), id, windowDays)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to aggregate stats")
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// Test sends a synthetic event through the real dispatch/worker path.
func (h *SubscriptionHandler) Test(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := h.dispatcher.SendTest(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "subscription not found")
			return
		}
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, d)
}

// Reactivate closes a stuck-open circuit by operator action.
func (h *SubscriptionHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.subs.Reactivate(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "subscription not found or circuit not open")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to reactivate subscription")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "active"})
}
