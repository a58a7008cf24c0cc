package domain

import (
	"encoding/json"
	"time"
)

// Delivery statuses. A delivery is created pending, moves to in_progress
// while a worker owns it, and ends in success or failed. The retry
// status parks it until the scheduler re-queues it back to pending.
const (
	DeliveryPending    = "pending"
	DeliveryInProgress = "in_progress"
	DeliverySuccess    = "success"
	DeliveryFailed     = "failed"
	DeliveryRetry      = "retry"
)

// Error classifications stored alongside a failed attempt.
const (
	ErrorNetwork       = "network_error"
	ErrorHTTPStatus    = "http_error"
	ErrorConfiguration = "configuration_error"
)

// Delivery is one attempt-series for delivering a single triggered
// event to a single subscription. The payload is snapshotted at
// creation and never recomputed; the exact bytes are what gets signed
// and POSTed on every attempt.
type Delivery struct {
	ID             string          `json:"id"`
	DeliveryID     string          `json:"delivery_id"` // external reference, e.g. whd_1a2b...
	SubscriptionID string          `json:"subscription_id"`
	TenantID       string          `json:"tenant_id"`
	EventType      string          `json:"event_type"`
	EventID        string          `json:"event_id"`
	Payload        json.RawMessage `json:"payload"`

	Status        string     `json:"status"`
	AttemptNumber int        `json:"attempt_number"`
	RetryAfter    *time.Time `json:"retry_after,omitempty"`

	ResponseStatusCode *int    `json:"response_status_code,omitempty"`
	ResponseHeaders    *string `json:"response_headers,omitempty"`
	ResponseBody       *string `json:"response_body,omitempty"`
	ResponseTimeMs     *int    `json:"response_time_ms,omitempty"`
	ErrorMessage       *string `json:"error_message,omitempty"`
	ErrorType          *string `json:"error_type,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the delivery reached a final state.
// Terminal deliveries are immutable; reprocessing one is a no-op.
func (d *Delivery) Terminal() bool {
	return d.Status == DeliverySuccess || d.Status == DeliveryFailed
}

// AttemptResult is the classified outcome of a single HTTP attempt.
type AttemptResult struct {
	Success        bool
	StatusCode     *int
	ResponseHeader string
	ResponseBody   string
	ResponseTimeMs int
	ErrorMessage   string
	ErrorType      string
}
