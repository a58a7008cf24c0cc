package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/leadpulse/webhooks/internal/clock"
	"github.com/leadpulse/webhooks/internal/domain"
)

// MemorySubscriptions is a mutex-guarded SubscriptionRegistry used by
// tests and local development. It applies the same counter and circuit
// transitions as the Postgres registry, via the domain helpers.
type MemorySubscriptions struct {
	mu    sync.Mutex
	clock clock.Clock
	subs  map[string]*domain.Subscription
}

func NewMemorySubscriptions(clk clock.Clock) *MemorySubscriptions {
	return &MemorySubscriptions{clock: clk, subs: make(map[string]*domain.Subscription)}
}

// Put inserts or replaces a subscription.
func (m *MemorySubscriptions) Put(sub domain.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = &sub
}

func (m *MemorySubscriptions) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemorySubscriptions) List(ctx context.Context, tenantID string) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Subscription{}
	for _, sub := range m.subs {
		if sub.TenantID == tenantID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemorySubscriptions) FindMatching(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Subscription{}
	for _, sub := range m.subs {
		if sub.TenantID == tenantID && sub.Status == domain.SubscriptionActive && sub.Matches(eventType) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (m *MemorySubscriptions) RecordSuccess(ctx context.Context, id string, statusCode int) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	sub.ApplySuccess(statusCode, m.clock.Now())
	cp := *sub
	return &cp, nil
}

func (m *MemorySubscriptions) RecordFailure(ctx context.Context, id string, statusCode *int, terminal bool) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	sub.ApplyFailure(statusCode, terminal, m.clock.Now())
	cp := *sub
	return &cp, nil
}

func (m *MemorySubscriptions) Reactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.Status != domain.SubscriptionCircuitOpen {
		return ErrNotFound
	}
	sub.Status = domain.SubscriptionActive
	sub.ConsecutiveFailures = 0
	sub.CircuitOpenedAt = nil
	return nil
}

// MemoryDeliveries is the in-memory DeliveryStore counterpart.
type MemoryDeliveries struct {
	mu         sync.Mutex
	clock      clock.Clock
	deliveries map[string]*domain.Delivery
}

func NewMemoryDeliveries(clk clock.Clock) *MemoryDeliveries {
	return &MemoryDeliveries{clock: clk, deliveries: make(map[string]*domain.Delivery)}
}

func (m *MemoryDeliveries) Create(ctx context.Context, d *domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	d.Status = domain.DeliveryPending
	d.AttemptNumber = 0
	d.CreatedAt = now
	d.UpdatedAt = now
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *MemoryDeliveries) Get(ctx context.Context, id string) (*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryDeliveries) ClaimInProgress(ctx context.Context, id string) (*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, nil
	}
	if d.Status != domain.DeliveryPending && d.Status != domain.DeliveryRetry {
		return nil, nil
	}
	d.Status = domain.DeliveryInProgress
	d.RetryAfter = nil
	d.UpdatedAt = m.clock.Now()
	cp := *d
	return &cp, nil
}

func (m *MemoryDeliveries) MarkSuccess(ctx context.Context, id string, res domain.AttemptResult) error {
	return m.finishAttempt(id, domain.DeliverySuccess, res, nil)
}

func (m *MemoryDeliveries) MarkFailed(ctx context.Context, id string, res domain.AttemptResult) error {
	return m.finishAttempt(id, domain.DeliveryFailed, res, nil)
}

func (m *MemoryDeliveries) MarkRetry(ctx context.Context, id string, res domain.AttemptResult, retryAfter time.Time) error {
	return m.finishAttempt(id, domain.DeliveryRetry, res, &retryAfter)
}

func (m *MemoryDeliveries) finishAttempt(id, status string, res domain.AttemptResult, retryAfter *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status != domain.DeliveryInProgress {
		return ErrInvalidTransition
	}
	d.Status = status
	d.AttemptNumber++
	d.RetryAfter = retryAfter
	d.ResponseStatusCode = res.StatusCode
	d.ResponseHeaders = optional(res.ResponseHeader)
	d.ResponseBody = optional(res.ResponseBody)
	ms := res.ResponseTimeMs
	d.ResponseTimeMs = &ms
	d.ErrorMessage = optional(res.ErrorMessage)
	d.ErrorType = optional(res.ErrorType)
	d.UpdatedAt = m.clock.Now()
	return nil
}

func (m *MemoryDeliveries) FailPermanently(ctx context.Context, id, errType, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Terminal() {
		return ErrInvalidTransition
	}
	d.Status = domain.DeliveryFailed
	d.RetryAfter = nil
	d.ErrorMessage = &message
	d.ErrorType = &errType
	d.UpdatedAt = m.clock.Now()
	return nil
}

func (m *MemoryDeliveries) Requeue(ctx context.Context, id string) (*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status != domain.DeliveryFailed {
		return nil, ErrInvalidTransition
	}
	d.Status = domain.DeliveryPending
	d.RetryAfter = nil
	d.UpdatedAt = m.clock.Now()
	cp := *d
	return &cp, nil
}

func (m *MemoryDeliveries) History(ctx context.Context, subscriptionID string, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Delivery{}
	for _, d := range m.deliveries {
		if d.SubscriptionID == subscriptionID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDeliveries) Stats(ctx context.Context, subscriptionID string, windowDays int) (*DeliveryStats, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	cutoff := m.clock.Now().AddDate(0, 0, -windowDays)

	stats := &DeliveryStats{
		SubscriptionID: subscriptionID,
		WindowDays:     windowDays,
		ByStatus:       map[string]int{},
		StatusCodes:    map[string]int{},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var totalMs, timed int
	for _, d := range m.deliveries {
		if d.SubscriptionID != subscriptionID || d.CreatedAt.Before(cutoff) {
			continue
		}
		stats.Total++
		stats.ByStatus[d.Status]++
		if d.ResponseStatusCode != nil {
			stats.StatusCodes[strconv.Itoa(*d.ResponseStatusCode)]++
		}
		if d.ResponseTimeMs != nil {
			totalMs += *d.ResponseTimeMs
			timed++
		}
	}
	if timed > 0 {
		stats.AvgResponseMs = float64(totalMs) / float64(timed)
	}
	return stats, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
