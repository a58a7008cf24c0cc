package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/leadpulse/webhooks/internal/engine"
	"github.com/leadpulse/webhooks/internal/store"
)

type DeliveryHandler struct {
	deliveries store.DeliveryStore
	dispatcher *engine.Dispatcher
}

func NewDeliveryHandler(deliveries store.DeliveryStore, d *engine.Dispatcher) *DeliveryHandler {
	return &DeliveryHandler{deliveries: deliveries, dispatcher: d}
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := h.deliveries.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "delivery not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}

	respondJSON(w, http.StatusOK, d)
}

// Retry re-arms a terminal failed delivery and queues it immediately.
func (h *DeliveryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := h.dispatcher.RetryDelivery(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			respondError(w, http.StatusConflict, "only failed deliveries can be retried")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to retry delivery")
		return
	}

	respondJSON(w, http.StatusAccepted, d)
}
