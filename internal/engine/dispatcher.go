package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/leadpulse/webhooks/internal/clock"
	"github.com/leadpulse/webhooks/internal/domain"
	"github.com/leadpulse/webhooks/internal/observability"
	"github.com/leadpulse/webhooks/internal/queue"
	"github.com/leadpulse/webhooks/internal/store"
)

// TestEventType is the synthetic event type used for operator test sends.
const TestEventType = "webhook.test"

// Dispatcher turns a triggered domain event into one queued Delivery
// per matching subscription. It only writes to the store and the queue;
// it never waits on the HTTP call itself.
type Dispatcher struct {
	subs       store.SubscriptionRegistry
	deliveries store.DeliveryStore
	queue      queue.Queue
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func NewDispatcher(subs store.SubscriptionRegistry, deliveries store.DeliveryStore, q queue.Queue, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:       subs,
		deliveries: deliveries,
		queue:      q,
		clock:      clk,
		logger:     logger,
	}
}

// WithMetrics enables Prometheus instrumentation.
func (e *Dispatcher) WithMetrics(m *observability.Metrics) *Dispatcher {
	e.metrics = m
	return e
}

// Trigger fans an event out to every matching, non-circuit-open
// subscription of the tenant. Per-subscription errors are logged and
// the event is dropped for that subscription only; event producers are
// never blocked on delivery. Returns the number of deliveries queued.
func (e *Dispatcher) Trigger(ctx context.Context, tenantID, eventType, eventID string, data json.RawMessage) (int, error) {
	subs, err := e.subs.FindMatching(ctx, tenantID, eventType)
	if err != nil {
		return 0, fmt.Errorf("finding matching subscriptions: %w", err)
	}
	if len(subs) == 0 {
		e.logger.Debug("no matching subscriptions",
			"tenant_id", tenantID, "event_type", eventType, "event_id", eventID)
		return 0, nil
	}

	queued := 0
	for i := range subs {
		if _, err := e.dispatch(ctx, &subs[i], eventType, eventID, data); err != nil {
			e.logger.Error("failed to queue delivery",
				"error", err,
				"subscription_id", subs[i].ID,
				"event_type", eventType,
				"event_id", eventID,
			)
			continue
		}
		queued++
	}

	e.logger.Info("event dispatched",
		"tenant_id", tenantID,
		"event_type", eventType,
		"event_id", eventID,
		"deliveries_queued", queued,
	)
	return queued, nil
}

// SendTest synthesizes a test event and runs it through the same
// dispatch/worker path as real deliveries, so test sends exercise the
// production signing and delivery logic. Test sends go out even when
// the circuit is open: a successful one closes it.
func (e *Dispatcher) SendTest(ctx context.Context, subscriptionID string) (*domain.Delivery, error) {
	sub, err := e.subs.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == domain.SubscriptionInactive {
		return nil, fmt.Errorf("subscription %s is inactive", subscriptionID)
	}

	eventID := "test_" + uuid.NewString()
	data, _ := json.Marshal(map[string]any{
		"test":            true,
		"subscription_id": sub.ID,
	})
	return e.dispatch(ctx, sub, TestEventType, eventID, data)
}

// RetryDelivery re-arms a terminal failed delivery by operator action:
// status resets to pending and the job is queued immediately,
// independent of the automatic backoff scheduler.
func (e *Dispatcher) RetryDelivery(ctx context.Context, deliveryID string) (*domain.Delivery, error) {
	d, err := e.deliveries.Requeue(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	job := queue.Job{DeliveryID: d.ID, Attempt: d.AttemptNumber}
	if err := e.queue.Enqueue(ctx, job, 0); err != nil {
		return nil, fmt.Errorf("enqueuing manual retry: %w", err)
	}
	e.logger.Info("delivery manually requeued",
		"delivery_id", d.DeliveryID, "subscription_id", d.SubscriptionID)
	return d, nil
}

// dispatch snapshots the payload, persists the Delivery and enqueues
// its job with zero delay.
func (e *Dispatcher) dispatch(ctx context.Context, sub *domain.Subscription, eventType, eventID string, data json.RawMessage) (*domain.Delivery, error) {
	envelope := domain.NewEnvelope(eventType, eventID, data, e.clock.Now())
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload envelope: %w", err)
	}

	d := &domain.Delivery{
		ID:             uuid.NewString(),
		DeliveryID:     newDeliveryID(),
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		EventType:      eventType,
		EventID:        eventID,
		Payload:        payload,
	}
	if err := e.deliveries.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("creating delivery: %w", err)
	}

	job := queue.Job{DeliveryID: d.ID, Attempt: 0}
	if err := e.queue.Enqueue(ctx, job, 0); err != nil {
		return nil, fmt.Errorf("enqueuing delivery: %w", err)
	}

	if e.metrics != nil {
		e.metrics.DeliveriesQueued.Inc()
	}
	return d, nil
}

// newDeliveryID returns the externally-referenceable delivery
// identifier subscribers use for deduplication.
func newDeliveryID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "whd_" + uuid.NewString()
	}
	return "whd_" + hex.EncodeToString(bytes)
}
