// Package observability holds the Prometheus instrumentation for the
// delivery engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered against an explicit Registerer so tests can
// use private registries without duplicate-registration panics.
type Metrics struct {
	DeliveriesQueued prometheus.Counter
	AttemptsTotal    prometheus.Counter
	DeliveredTotal   prometheus.Counter
	FailedTotal      prometheus.Counter
	RetriedTotal     prometheus.Counter
	CircuitOpened    prometheus.Counter
	DeliveryDuration prometheus.Histogram
	QueueDepth       prometheus.Gauge
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DeliveriesQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_queued_total",
			Help:      "Deliveries created and enqueued by the dispatcher",
		}),
		AttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "HTTP delivery attempts made by workers",
		}),
		DeliveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_succeeded_total",
			Help:      "Deliveries that reached a 2xx response",
		}),
		FailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_failed_total",
			Help:      "Deliveries that reached the terminal failed state",
		}),
		RetriedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_retried_total",
			Help:      "Delivery attempts scheduled for a backoff retry",
		}),
		CircuitOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_opened_total",
			Help:      "Times a subscription circuit transitioned to open",
		}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook HTTP attempts",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queue_depth",
			Help:      "Jobs waiting in the delivery queue",
		}),
	}
}
