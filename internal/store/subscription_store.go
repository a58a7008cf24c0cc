package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/leadpulse/webhooks/internal/domain"
)

// PostgresSubscriptions implements SubscriptionRegistry.
type PostgresSubscriptions struct {
	*PostgresStore
}

func NewPostgresSubscriptions(s *PostgresStore) *PostgresSubscriptions {
	return &PostgresSubscriptions{PostgresStore: s}
}

const subscriptionColumns = `id, tenant_id, target_url, event_types, signing_secret,
	auth_mode, auth_credential, custom_headers, timeout_seconds, max_retries,
	retry_on_failure, circuit_breaker_threshold, status, consecutive_failures,
	circuit_opened_at, last_triggered_at, last_status_code, total_deliveries,
	successful_deliveries, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	var headers []byte
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.TargetURL, &sub.EventTypes, &sub.SigningSecret,
		&sub.AuthMode, &sub.AuthCredential, &headers, &sub.TimeoutSeconds, &sub.MaxRetries,
		&sub.RetryOnFailure, &sub.CircuitBreakerThreshold, &sub.Status, &sub.ConsecutiveFailures,
		&sub.CircuitOpenedAt, &sub.LastTriggeredAt, &sub.LastStatusCode, &sub.TotalDeliveries,
		&sub.SuccessfulDeliveries, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &sub.CustomHeaders); err != nil {
			return nil, fmt.Errorf("decoding custom headers: %w", err)
		}
	}
	return &sub, nil
}

func (s *PostgresSubscriptions) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresSubscriptions) List(ctx context.Context, tenantID string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// FindMatching returns subscriptions whose filter covers eventType and
// whose circuit is not open. Inactive subscriptions never match; a "*"
// filter entry matches every event type.
func (s *PostgresSubscriptions) FindMatching(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE tenant_id = $1
		   AND status = 'active'
		   AND ($2 = ANY(event_types) OR '*' = ANY(event_types))`,
		tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("finding matching subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

func collectSubscriptions(rows pgx.Rows) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if subs == nil {
		subs = []domain.Subscription{}
	}
	return subs, rows.Err()
}

// RecordSuccess bumps counters, resets the consecutive-failure count
// and closes an open circuit, all in one UPDATE so concurrent workers
// never lose updates.
func (s *PostgresSubscriptions) RecordSuccess(ctx context.Context, id string, statusCode int) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		UPDATE subscriptions SET
			total_deliveries = total_deliveries + 1,
			successful_deliveries = successful_deliveries + 1,
			consecutive_failures = 0,
			last_status_code = $2,
			last_triggered_at = NOW(),
			status = CASE WHEN status = 'circuit_open' THEN 'active' ELSE status END,
			circuit_opened_at = NULL,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		id, statusCode))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("recording delivery success: %w", err)
	}
	return sub, nil
}

// RecordFailure bumps per-attempt stats. When terminal is set the
// consecutive-failure counter moves and the circuit opens exactly when
// it reaches the subscription's threshold.
func (s *PostgresSubscriptions) RecordFailure(ctx context.Context, id string, statusCode *int, terminal bool) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		UPDATE subscriptions SET
			total_deliveries = total_deliveries + 1,
			last_status_code = $2,
			last_triggered_at = NOW(),
			consecutive_failures = consecutive_failures + CASE WHEN $3 THEN 1 ELSE 0 END,
			circuit_opened_at = CASE
				WHEN $3 AND status = 'active' AND consecutive_failures + 1 >= circuit_breaker_threshold
				THEN NOW() ELSE circuit_opened_at END,
			status = CASE
				WHEN $3 AND status = 'active' AND consecutive_failures + 1 >= circuit_breaker_threshold
				THEN 'circuit_open' ELSE status END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		id, statusCode, terminal))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("recording delivery failure: %w", err)
	}
	return sub, nil
}

// Reactivate closes an open circuit by operator action.
func (s *PostgresSubscriptions) Reactivate(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			status = 'active',
			consecutive_failures = 0,
			circuit_opened_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'circuit_open'
	`, id)
	if err != nil {
		return fmt.Errorf("reactivating subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
