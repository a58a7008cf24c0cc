package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leadpulse/webhooks/internal/engine"
	"github.com/leadpulse/webhooks/internal/queue"
	"github.com/leadpulse/webhooks/internal/store"
	ws "github.com/leadpulse/webhooks/internal/websocket"
)

// NewRouter wires the operational HTTP surface of the delivery engine:
// event trigger, delivery history/stats/retry, test sends, circuit
// reactivation, health, Prometheus metrics and the live update feed.
func NewRouter(
	subs store.SubscriptionRegistry,
	deliveries store.DeliveryStore,
	dispatcher *engine.Dispatcher,
	q queue.Queue,
	hub *ws.Hub,
	promRegistry *prometheus.Registry,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	triggerHandler := NewTriggerHandler(dispatcher)
	subHandler := NewSubscriptionHandler(subs, deliveries, dispatcher)
	deliveryHandler := NewDeliveryHandler(deliveries, dispatcher)

	if hub != nil {
		r.Get("/ws", hub.HandleWebSocket)
	}
	if promRegistry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(q))

		r.Post("/trigger", triggerHandler.Trigger)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", subHandler.List)
			r.Get("/{id}", subHandler.Get)
			r.Get("/{id}/deliveries", subHandler.History)
			r.Get("/{id}/stats", subHandler.Stats)
			r.Post("/{id}/test", subHandler.Test)
			r.Post("/{id}/reactivate", subHandler.Reactivate)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/{id}", deliveryHandler.Get)
			r.Post("/{id}/retry", deliveryHandler.Retry)
		})
	})

	return r
}
