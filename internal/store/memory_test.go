package store

import (
	"context"
	"testing"
	"time"

	"github.com/leadpulse/webhooks/internal/clock"
	"github.com/leadpulse/webhooks/internal/domain"
)

func newDeliveryStore(t *testing.T) (*MemoryDeliveries, *clock.MockClock) {
	t.Helper()
	clk := &clock.MockClock{NowTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemoryDeliveries(clk), clk
}

func createDelivery(t *testing.T, s *MemoryDeliveries, id string) *domain.Delivery {
	t.Helper()
	d := &domain.Delivery{
		ID:             id,
		DeliveryID:     "whd_" + id,
		SubscriptionID: "sub-1",
		TenantID:       "tenant-1",
		EventType:      "call.completed",
		EventID:        "evt-1",
		Payload:        []byte(`{"event":"call.completed"}`),
	}
	if err := s.Create(context.Background(), d); err != nil {
		t.Fatalf("create: %v", err)
	}
	return d
}

func okResult(code int) domain.AttemptResult {
	return domain.AttemptResult{Success: true, StatusCode: &code, ResponseTimeMs: 12}
}

func failResult(code int) domain.AttemptResult {
	return domain.AttemptResult{
		StatusCode:     &code,
		ResponseTimeMs: 20,
		ErrorMessage:   "endpoint returned HTTP 500",
		ErrorType:      domain.ErrorHTTPStatus,
	}
}

func TestDeliveryLifecycle_PendingToSuccess(t *testing.T) {
	s, _ := newDeliveryStore(t)
	ctx := context.Background()
	d := createDelivery(t, s, "d-1")

	claimed, err := s.ClaimInProgress(ctx, d.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.Status != domain.DeliveryInProgress {
		t.Fatalf("claimed = %+v, want in_progress", claimed)
	}

	if err := s.MarkSuccess(ctx, d.ID, okResult(200)); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	got, _ := s.Get(ctx, d.ID)
	if got.Status != domain.DeliverySuccess {
		t.Errorf("status = %s, want success", got.Status)
	}
	if got.AttemptNumber != 1 {
		t.Errorf("attempt_number = %d, want 1", got.AttemptNumber)
	}
}

func TestDeliveryLifecycle_TerminalIsImmutable(t *testing.T) {
	s, _ := newDeliveryStore(t)
	ctx := context.Background()
	d := createDelivery(t, s, "d-1")

	s.ClaimInProgress(ctx, d.ID)
	s.MarkSuccess(ctx, d.ID, okResult(200))

	// A redelivered queue job cannot claim a terminal delivery.
	claimed, err := s.ClaimInProgress(ctx, d.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Errorf("terminal delivery should not be claimable, got %+v", claimed)
	}

	if err := s.MarkFailed(ctx, d.ID, failResult(500)); err != ErrInvalidTransition {
		t.Errorf("MarkFailed on terminal delivery = %v, want ErrInvalidTransition", err)
	}

	got, _ := s.Get(ctx, d.ID)
	if got.Status != domain.DeliverySuccess || got.AttemptNumber != 1 {
		t.Errorf("terminal delivery changed: %+v", got)
	}
}

func TestDeliveryLifecycle_RetryAndReclaim(t *testing.T) {
	s, clk := newDeliveryStore(t)
	ctx := context.Background()
	d := createDelivery(t, s, "d-1")

	s.ClaimInProgress(ctx, d.ID)
	retryAfter := clk.Now().Add(5 * time.Second)
	if err := s.MarkRetry(ctx, d.ID, failResult(500), retryAfter); err != nil {
		t.Fatalf("mark retry: %v", err)
	}

	got, _ := s.Get(ctx, d.ID)
	if got.Status != domain.DeliveryRetry {
		t.Fatalf("status = %s, want retry", got.Status)
	}
	if got.RetryAfter == nil || !got.RetryAfter.Equal(retryAfter) {
		t.Errorf("retry_after = %v, want %v", got.RetryAfter, retryAfter)
	}

	// The worker claims retry deliveries directly on dequeue.
	claimed, _ := s.ClaimInProgress(ctx, d.ID)
	if claimed == nil || claimed.Status != domain.DeliveryInProgress {
		t.Fatalf("retry delivery should be claimable, got %+v", claimed)
	}
	if claimed.RetryAfter != nil {
		t.Error("retry_after should be cleared on claim")
	}
}

func TestDeliveryLifecycle_RequeueOnlyFromFailed(t *testing.T) {
	s, _ := newDeliveryStore(t)
	ctx := context.Background()
	d := createDelivery(t, s, "d-1")

	if _, err := s.Requeue(ctx, d.ID); err != ErrInvalidTransition {
		t.Errorf("Requeue on pending = %v, want ErrInvalidTransition", err)
	}

	s.ClaimInProgress(ctx, d.ID)
	s.MarkFailed(ctx, d.ID, failResult(500))

	requeued, err := s.Requeue(ctx, d.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != domain.DeliveryPending {
		t.Errorf("status = %s, want pending", requeued.Status)
	}
	if requeued.AttemptNumber != 1 {
		t.Errorf("attempt_number = %d, want preserved 1", requeued.AttemptNumber)
	}
}

func TestDeliveryLifecycle_FailPermanentlySkipsAttemptCounter(t *testing.T) {
	s, _ := newDeliveryStore(t)
	ctx := context.Background()
	d := createDelivery(t, s, "d-1")

	if err := s.FailPermanently(ctx, d.ID, domain.ErrorConfiguration, "subscription has no signing secret configured"); err != nil {
		t.Fatalf("fail permanently: %v", err)
	}

	got, _ := s.Get(ctx, d.ID)
	if got.Status != domain.DeliveryFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.AttemptNumber != 0 {
		t.Errorf("attempt_number = %d, want 0 (no HTTP attempt made)", got.AttemptNumber)
	}
	if got.ErrorType == nil || *got.ErrorType != domain.ErrorConfiguration {
		t.Errorf("error_type = %v, want configuration_error", got.ErrorType)
	}
}

func TestDeliveryHistory_NewestFirstWithLimit(t *testing.T) {
	s, clk := newDeliveryStore(t)
	ctx := context.Background()

	for _, id := range []string{"d-1", "d-2", "d-3"} {
		createDelivery(t, s, id)
		clk.Advance(time.Minute)
	}

	history, err := s.History(ctx, "sub-1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].ID != "d-3" || history[1].ID != "d-2" {
		t.Errorf("history order = [%s, %s], want [d-3, d-2]", history[0].ID, history[1].ID)
	}
}

func TestDeliveryStats_WindowAndAggregates(t *testing.T) {
	s, clk := newDeliveryStore(t)
	ctx := context.Background()

	// One old delivery outside the window.
	old := createDelivery(t, s, "d-old")
	s.ClaimInProgress(ctx, old.ID)
	s.MarkSuccess(ctx, old.ID, okResult(200))

	clk.Advance(10 * 24 * time.Hour)

	recent := createDelivery(t, s, "d-ok")
	s.ClaimInProgress(ctx, recent.ID)
	s.MarkSuccess(ctx, recent.ID, domain.AttemptResult{Success: true, StatusCode: intPtr(200), ResponseTimeMs: 10})

	failed := createDelivery(t, s, "d-fail")
	s.ClaimInProgress(ctx, failed.ID)
	s.MarkFailed(ctx, failed.ID, domain.AttemptResult{StatusCode: intPtr(500), ResponseTimeMs: 30, ErrorType: domain.ErrorHTTPStatus})

	stats, err := s.Stats(ctx, "sub-1", 7)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	if stats.Total != 2 {
		t.Errorf("total = %d, want 2 (old delivery outside window)", stats.Total)
	}
	if stats.ByStatus[domain.DeliverySuccess] != 1 || stats.ByStatus[domain.DeliveryFailed] != 1 {
		t.Errorf("by_status = %v", stats.ByStatus)
	}
	if stats.StatusCodes["200"] != 1 || stats.StatusCodes["500"] != 1 {
		t.Errorf("status_codes = %v", stats.StatusCodes)
	}
	if stats.AvgResponseMs != 20 {
		t.Errorf("avg_response_ms = %v, want 20", stats.AvgResponseMs)
	}
}

func TestMemorySubscriptions_FindMatchingSkipsOpenCircuit(t *testing.T) {
	clk := &clock.MockClock{NowTime: time.Now()}
	reg := NewMemorySubscriptions(clk)
	ctx := context.Background()

	reg.Put(domain.Subscription{
		ID: "sub-active", TenantID: "t1", Status: domain.SubscriptionActive,
		EventTypes: []string{"call.completed"},
	})
	reg.Put(domain.Subscription{
		ID: "sub-open", TenantID: "t1", Status: domain.SubscriptionCircuitOpen,
		EventTypes: []string{"call.completed"},
	})
	reg.Put(domain.Subscription{
		ID: "sub-inactive", TenantID: "t1", Status: domain.SubscriptionInactive,
		EventTypes: []string{"call.completed"},
	})

	matches, err := reg.FindMatching(ctx, "t1", "call.completed")
	if err != nil {
		t.Fatalf("find matching: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "sub-active" {
		t.Errorf("matches = %+v, want only sub-active", matches)
	}
}

func intPtr(n int) *int { return &n }
