package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/leadpulse/webhooks/internal/domain"
)

// PostgresDeliveries implements DeliveryStore.
type PostgresDeliveries struct {
	*PostgresStore
}

func NewPostgresDeliveries(s *PostgresStore) *PostgresDeliveries {
	return &PostgresDeliveries{PostgresStore: s}
}

const deliveryColumns = `id, delivery_id, subscription_id, tenant_id, event_type, event_id,
	payload, status, attempt_number, retry_after, response_status_code, response_headers,
	response_body, response_time_ms, error_message, error_type, created_at, updated_at`

func scanDelivery(row pgx.Row) (*domain.Delivery, error) {
	var d domain.Delivery
	var payload string
	err := row.Scan(
		&d.ID, &d.DeliveryID, &d.SubscriptionID, &d.TenantID, &d.EventType, &d.EventID,
		&payload, &d.Status, &d.AttemptNumber, &d.RetryAfter, &d.ResponseStatusCode, &d.ResponseHeaders,
		&d.ResponseBody, &d.ResponseTimeMs, &d.ErrorMessage, &d.ErrorType, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Payload = []byte(payload)
	return &d, nil
}

func (s *PostgresDeliveries) Create(ctx context.Context, d *domain.Delivery) error {
	// The payload snapshot is stored as the exact marshaled bytes, not
	// JSONB: re-encoding could reorder keys and break signatures.
	err := s.pool.QueryRow(ctx, `
		INSERT INTO deliveries (id, delivery_id, subscription_id, tenant_id, event_type, event_id, payload, status, attempt_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0)
		RETURNING created_at, updated_at
	`, d.ID, d.DeliveryID, d.SubscriptionID, d.TenantID, d.EventType, d.EventID, string(d.Payload)).
		Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	d.Status = domain.DeliveryPending
	d.AttemptNumber = 0
	return nil
}

func (s *PostgresDeliveries) Get(ctx context.Context, id string) (*domain.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return d, nil
}

// ClaimInProgress moves a pending or retry delivery to in_progress. The
// status guard makes crash-and-redeliver duplicates a no-op: a delivery
// already terminal or owned by another worker is simply not claimed.
func (s *PostgresDeliveries) ClaimInProgress(ctx context.Context, id string) (*domain.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx, `
		UPDATE deliveries SET status = 'in_progress', retry_after = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'retry')
		RETURNING `+deliveryColumns, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming delivery: %w", err)
	}
	return d, nil
}

func (s *PostgresDeliveries) MarkSuccess(ctx context.Context, id string, res domain.AttemptResult) error {
	return s.finishAttempt(ctx, id, domain.DeliverySuccess, res, nil)
}

func (s *PostgresDeliveries) MarkFailed(ctx context.Context, id string, res domain.AttemptResult) error {
	return s.finishAttempt(ctx, id, domain.DeliveryFailed, res, nil)
}

func (s *PostgresDeliveries) MarkRetry(ctx context.Context, id string, res domain.AttemptResult, retryAfter time.Time) error {
	return s.finishAttempt(ctx, id, domain.DeliveryRetry, res, &retryAfter)
}

func (s *PostgresDeliveries) finishAttempt(ctx context.Context, id, status string, res domain.AttemptResult, retryAfter *time.Time) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE deliveries SET
			status = $2,
			attempt_number = attempt_number + 1,
			retry_after = $3,
			response_status_code = $4,
			response_headers = $5,
			response_body = $6,
			response_time_ms = $7,
			error_message = $8,
			error_type = $9,
			updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'
	`, id, status, retryAfter, res.StatusCode,
		nullable(res.ResponseHeader), nullable(res.ResponseBody),
		res.ResponseTimeMs, nullable(res.ErrorMessage), nullable(res.ErrorType))
	if err != nil {
		return fmt.Errorf("recording delivery attempt: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// FailPermanently terminates a delivery without an HTTP attempt, used
// for configuration errors. The attempt counter is untouched.
func (s *PostgresDeliveries) FailPermanently(ctx context.Context, id, errType, message string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE deliveries SET
			status = 'failed',
			retry_after = NULL,
			error_message = $2,
			error_type = $3,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'in_progress', 'retry')
	`, id, message, errType)
	if err != nil {
		return fmt.Errorf("failing delivery: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Requeue re-arms a failed delivery for an operator-triggered retry.
func (s *PostgresDeliveries) Requeue(ctx context.Context, id string) (*domain.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx, `
		UPDATE deliveries SET status = 'pending', retry_after = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
		RETURNING `+deliveryColumns, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("requeuing delivery: %w", err)
	}
	return d, nil
}

func (s *PostgresDeliveries) History(ctx context.Context, subscriptionID string, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE subscription_id = $1 ORDER BY created_at DESC LIMIT $2`,
		subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying delivery history: %w", err)
	}
	defer rows.Close()

	var deliveries []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	if deliveries == nil {
		deliveries = []domain.Delivery{}
	}
	return deliveries, rows.Err()
}

func (s *PostgresDeliveries) Stats(ctx context.Context, subscriptionID string, windowDays int) (*DeliveryStats, error) {
	if windowDays <= 0 {
		windowDays = 7
	}

	stats := &DeliveryStats{
		SubscriptionID: subscriptionID,
		WindowDays:     windowDays,
		ByStatus:       map[string]int{},
		StatusCodes:    map[string]int{},
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM deliveries
		WHERE subscription_id = $1 AND created_at >= NOW() - make_interval(days => $2)
		GROUP BY status
	`, subscriptionID, windowDays)
	if err != nil {
		return nil, fmt.Errorf("querying status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	codeRows, err := s.pool.Query(ctx, `
		SELECT response_status_code, COUNT(*) FROM deliveries
		WHERE subscription_id = $1 AND created_at >= NOW() - make_interval(days => $2)
		  AND response_status_code IS NOT NULL
		GROUP BY response_status_code
	`, subscriptionID, windowDays)
	if err != nil {
		return nil, fmt.Errorf("querying status code histogram: %w", err)
	}
	defer codeRows.Close()
	for codeRows.Next() {
		var code, count int
		if err := codeRows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("scanning status code: %w", err)
		}
		stats.StatusCodes[strconv.Itoa(code)] = count
	}
	if err := codeRows.Err(); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(AVG(response_time_ms), 0) FROM deliveries
		WHERE subscription_id = $1 AND created_at >= NOW() - make_interval(days => $2)
		  AND response_time_ms IS NOT NULL
	`, subscriptionID, windowDays).Scan(&stats.AvgResponseMs)
	if err != nil {
		return nil, fmt.Errorf("querying average response time: %w", err)
	}

	return stats, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
