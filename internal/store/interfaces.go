package store

import (
	"context"
	"errors"
	"time"

	"github.com/leadpulse/webhooks/internal/domain"
)

var (
	// ErrNotFound is returned when a subscription or delivery does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a delivery status change is
	// not allowed from its current state.
	ErrInvalidTransition = errors.New("invalid delivery status transition")
)

// SubscriptionRegistry reads tenant webhook endpoint configuration and
// mutates only the runtime counters. Counter updates must be atomic
// per-subscription so concurrent workers never lose updates.
type SubscriptionRegistry interface {
	Get(ctx context.Context, id string) (*domain.Subscription, error)
	List(ctx context.Context, tenantID string) ([]domain.Subscription, error)
	// FindMatching returns subscriptions for the tenant whose filter
	// covers eventType and whose circuit is not open.
	FindMatching(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error)
	// RecordSuccess applies a successful attempt: counters bump,
	// consecutive failures reset, an open circuit closes.
	RecordSuccess(ctx context.Context, id string, statusCode int) (*domain.Subscription, error)
	// RecordFailure applies a failed attempt. terminal marks the
	// delivery's final failure, which is when the consecutive-failure
	// counter moves and the circuit may open.
	RecordFailure(ctx context.Context, id string, statusCode *int, terminal bool) (*domain.Subscription, error)
	// Reactivate closes an open circuit by operator action.
	Reactivate(ctx context.Context, id string) error
}

// DeliveryStore persists one record per delivery attempt-series.
// Status transitions are guarded so redelivered queue jobs and crashed
// workers cannot corrupt a terminal delivery.
type DeliveryStore interface {
	Create(ctx context.Context, d *domain.Delivery) error
	Get(ctx context.Context, id string) (*domain.Delivery, error)
	// ClaimInProgress moves pending/retry to in_progress and returns
	// the claimed delivery. Returns nil when the delivery is not
	// claimable (already terminal or owned by another worker).
	ClaimInProgress(ctx context.Context, id string) (*domain.Delivery, error)
	// MarkSuccess, MarkFailed and MarkRetry record the outcome of one
	// HTTP attempt; each increments attempt_number exactly once and is
	// only valid from in_progress.
	MarkSuccess(ctx context.Context, id string, res domain.AttemptResult) error
	MarkFailed(ctx context.Context, id string, res domain.AttemptResult) error
	MarkRetry(ctx context.Context, id string, res domain.AttemptResult, retryAfter time.Time) error
	// FailPermanently terminates a delivery without an HTTP attempt
	// (configuration errors). attempt_number is untouched.
	FailPermanently(ctx context.Context, id, errType, message string) error
	// Requeue re-arms a failed delivery for an operator-triggered
	// retry: failed -> pending, attempt counter preserved.
	Requeue(ctx context.Context, id string) (*domain.Delivery, error)
	History(ctx context.Context, subscriptionID string, limit int) ([]domain.Delivery, error)
	Stats(ctx context.Context, subscriptionID string, windowDays int) (*DeliveryStats, error)
}

// DeliveryStats aggregates delivery outcomes for one subscription over
// a trailing window.
type DeliveryStats struct {
	SubscriptionID string         `json:"subscription_id"`
	WindowDays     int            `json:"window_days"`
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	StatusCodes    map[string]int `json:"status_codes"`
	AvgResponseMs  float64        `json:"avg_response_ms"`
}
