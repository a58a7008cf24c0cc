package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/leadpulse/webhooks/internal/clock"
	"github.com/leadpulse/webhooks/internal/domain"
	"github.com/leadpulse/webhooks/internal/queue"
	"github.com/leadpulse/webhooks/internal/store"
)

func setupDispatcher(t *testing.T) (*Dispatcher, *store.MemorySubscriptions, *store.MemoryDeliveries, *queue.RedisQueue) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := &clock.MockClock{NowTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	subs := store.NewMemorySubscriptions(clk)
	deliveries := store.NewMemoryDeliveries(clk)
	q := queue.NewRedisQueue(client, clk, logger)

	return NewDispatcher(subs, deliveries, q, clk, logger), subs, deliveries, q
}

func activeSubscription(id string) domain.Subscription {
	return domain.Subscription{
		ID:                      id,
		TenantID:                "tenant-1",
		TargetURL:               "http://example.com/hook",
		EventTypes:              []string{"call.completed"},
		SigningSecret:           "secret",
		Status:                  domain.SubscriptionActive,
		MaxRetries:              3,
		RetryOnFailure:          true,
		CircuitBreakerThreshold: 5,
	}
}

func TestTrigger_CreatesDeliveryPerMatchingSubscription(t *testing.T) {
	d, subs, deliveries, q := setupDispatcher(t)
	ctx := context.Background()

	subs.Put(activeSubscription("sub-1"))
	subs.Put(activeSubscription("sub-2"))

	other := activeSubscription("sub-other")
	other.EventTypes = []string{"sms.received"}
	subs.Put(other)

	queued, err := d.Trigger(ctx, "tenant-1", "call.completed", "evt-1", json.RawMessage(`{"duration":42}`))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if queued != 2 {
		t.Fatalf("queued = %d, want 2", queued)
	}

	depth, _ := q.Depth(ctx)
	if depth != 2 {
		t.Errorf("queue depth = %d, want 2", depth)
	}

	for _, subID := range []string{"sub-1", "sub-2"} {
		history, _ := deliveries.History(ctx, subID, 10)
		if len(history) != 1 {
			t.Fatalf("deliveries for %s = %d, want 1", subID, len(history))
		}
		del := history[0]
		if del.Status != domain.DeliveryPending || del.AttemptNumber != 0 {
			t.Errorf("delivery = %+v, want pending attempt 0", del)
		}
		if !strings.HasPrefix(del.DeliveryID, "whd_") {
			t.Errorf("delivery_id = %q, want whd_ prefix", del.DeliveryID)
		}
	}
}

func TestTrigger_PayloadSnapshotIsEnvelope(t *testing.T) {
	d, subs, deliveries, _ := setupDispatcher(t)
	ctx := context.Background()

	subs.Put(activeSubscription("sub-1"))

	data := json.RawMessage(`{"caller":"+15555550100"}`)
	if _, err := d.Trigger(ctx, "tenant-1", "call.completed", "evt-9", data); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	history, _ := deliveries.History(ctx, "sub-1", 1)
	var envelope domain.Envelope
	if err := json.Unmarshal(history[0].Payload, &envelope); err != nil {
		t.Fatalf("payload is not a valid envelope: %v", err)
	}

	if envelope.Event != "call.completed" {
		t.Errorf("event = %q, want call.completed", envelope.Event)
	}
	if envelope.EventID != "evt-9" {
		t.Errorf("event_id = %q, want evt-9", envelope.EventID)
	}
	if envelope.Timestamp != "2025-06-01T12:00:00Z" {
		t.Errorf("timestamp = %q, want RFC3339 dispatch time", envelope.Timestamp)
	}
	if string(envelope.Data) != string(data) {
		t.Errorf("data = %s, want %s", envelope.Data, data)
	}
}

func TestTrigger_SkipsOpenCircuitSubscription(t *testing.T) {
	d, subs, deliveries, q := setupDispatcher(t)
	ctx := context.Background()

	open := activeSubscription("sub-open")
	open.Status = domain.SubscriptionCircuitOpen
	subs.Put(open)

	queued, err := d.Trigger(ctx, "tenant-1", "call.completed", "evt-1", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if queued != 0 {
		t.Errorf("queued = %d, want 0 for open circuit", queued)
	}

	history, _ := deliveries.History(ctx, "sub-open", 10)
	if len(history) != 0 {
		t.Errorf("deliveries = %d, want 0 for open circuit", len(history))
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestSendTest_UsesRealDispatchPath(t *testing.T) {
	d, subs, deliveries, q := setupDispatcher(t)
	ctx := context.Background()

	subs.Put(activeSubscription("sub-1"))

	del, err := d.SendTest(ctx, "sub-1")
	if err != nil {
		t.Fatalf("send test: %v", err)
	}
	if del.EventType != TestEventType {
		t.Errorf("event_type = %q, want %q", del.EventType, TestEventType)
	}

	stored, err := deliveries.Get(ctx, del.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.DeliveryPending {
		t.Errorf("status = %s, want pending", stored.Status)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestSendTest_AllowedWhileCircuitOpen(t *testing.T) {
	d, subs, _, _ := setupDispatcher(t)
	ctx := context.Background()

	open := activeSubscription("sub-1")
	open.Status = domain.SubscriptionCircuitOpen
	subs.Put(open)

	// Test sends are the manual probe that can close the breaker.
	if _, err := d.SendTest(ctx, "sub-1"); err != nil {
		t.Fatalf("send test on open circuit: %v", err)
	}
}

func TestSendTest_RejectsInactiveSubscription(t *testing.T) {
	d, subs, _, _ := setupDispatcher(t)
	ctx := context.Background()

	inactive := activeSubscription("sub-1")
	inactive.Status = domain.SubscriptionInactive
	subs.Put(inactive)

	if _, err := d.SendTest(ctx, "sub-1"); err == nil {
		t.Fatal("expected error for inactive subscription")
	}
}

func TestRetryDelivery_RequeuesFailedImmediately(t *testing.T) {
	d, subs, deliveries, q := setupDispatcher(t)
	ctx := context.Background()

	subs.Put(activeSubscription("sub-1"))
	if _, err := d.Trigger(ctx, "tenant-1", "call.completed", "evt-1", nil); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	history, _ := deliveries.History(ctx, "sub-1", 1)
	id := history[0].ID

	// Drain the original job and drive the delivery to failed.
	q.Dequeue(ctx, 10)
	deliveries.ClaimInProgress(ctx, id)
	code := 500
	deliveries.MarkFailed(ctx, id, domain.AttemptResult{StatusCode: &code, ErrorType: domain.ErrorHTTPStatus})

	requeued, err := d.RetryDelivery(ctx, id)
	if err != nil {
		t.Fatalf("retry delivery: %v", err)
	}
	if requeued.Status != domain.DeliveryPending {
		t.Errorf("status = %s, want pending", requeued.Status)
	}

	jobs, _ := q.Dequeue(ctx, 10)
	if len(jobs) != 1 || jobs[0].DeliveryID != id {
		t.Errorf("jobs = %+v, want immediate job for %s", jobs, id)
	}
}

func TestRetryDelivery_RejectsNonFailed(t *testing.T) {
	d, subs, deliveries, _ := setupDispatcher(t)
	ctx := context.Background()

	subs.Put(activeSubscription("sub-1"))
	d.Trigger(ctx, "tenant-1", "call.completed", "evt-1", nil)

	history, _ := deliveries.History(ctx, "sub-1", 1)
	if _, err := d.RetryDelivery(ctx, history[0].ID); err == nil {
		t.Fatal("expected error retrying a pending delivery")
	}
}
