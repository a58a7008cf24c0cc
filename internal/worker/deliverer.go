package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/leadpulse/webhooks/internal/clock"
	"github.com/leadpulse/webhooks/internal/domain"
	"github.com/leadpulse/webhooks/internal/engine"
	"github.com/leadpulse/webhooks/internal/observability"
	"github.com/leadpulse/webhooks/internal/queue"
	"github.com/leadpulse/webhooks/internal/signer"
	"github.com/leadpulse/webhooks/internal/store"
	ws "github.com/leadpulse/webhooks/internal/websocket"
)

const (
	userAgent = "LeadPulse-Webhook/1.0"

	// Stored response bodies and headers are truncated to cap storage growth.
	maxStoredResponseBytes = 1000
)

// HTTPClient abstracts HTTP for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Deliverer executes one delivery attempt end to end: claim, sign,
// POST, classify, persist, and hand failures to the retry scheduler and
// circuit breaker. All delivery-time errors stop here; nothing
// propagates back to the event producer.
type Deliverer struct {
	httpClient     HTTPClient
	subs           store.SubscriptionRegistry
	deliveries     store.DeliveryStore
	queue          queue.Queue
	backoff        engine.Backoff
	clock          clock.Clock
	logger         *slog.Logger
	metrics        *observability.Metrics
	hub            *ws.Hub
	defaultTimeout time.Duration
	maxStoredBytes int
}

func NewDeliverer(
	subs store.SubscriptionRegistry,
	deliveries store.DeliveryStore,
	q queue.Queue,
	backoff engine.Backoff,
	clk clock.Clock,
	logger *slog.Logger,
) *Deliverer {
	return &Deliverer{
		httpClient: &http.Client{
			// Ceiling only; each attempt is bounded by the
			// subscription's own timeout via context.
			Timeout: 60 * time.Second,
		},
		subs:           subs,
		deliveries:     deliveries,
		queue:          q,
		backoff:        backoff,
		clock:          clk,
		logger:         logger,
		defaultTimeout: 10 * time.Second,
		maxStoredBytes: maxStoredResponseBytes,
	}
}

// WithHTTPClient replaces the HTTP client (tests).
func (d *Deliverer) WithHTTPClient(c HTTPClient) *Deliverer {
	d.httpClient = c
	return d
}

// WithDefaultTimeout sets the per-attempt timeout used when a
// subscription does not configure its own.
func (d *Deliverer) WithDefaultTimeout(timeout time.Duration) *Deliverer {
	if timeout > 0 {
		d.defaultTimeout = timeout
	}
	return d
}

// WithMaxResponseBytes overrides how much of a response body and its
// headers is stored on the delivery record.
func (d *Deliverer) WithMaxResponseBytes(n int) *Deliverer {
	if n > 0 {
		d.maxStoredBytes = n
	}
	return d
}

// WithMetrics enables Prometheus instrumentation.
func (d *Deliverer) WithMetrics(m *observability.Metrics) *Deliverer {
	d.metrics = m
	return d
}

// WithHub enables live delivery updates over WebSocket.
func (d *Deliverer) WithHub(hub *ws.Hub) *Deliverer {
	d.hub = hub
	return d
}

// Process runs a single delivery attempt for a queued job. Reprocessing
// a terminal delivery (queue redelivery after a crash) is a no-op via
// the claim's status guard.
func (d *Deliverer) Process(ctx context.Context, job queue.Job) {
	del, err := d.deliveries.ClaimInProgress(ctx, job.DeliveryID)
	if err != nil {
		// Leave the job leased; it is redelivered when the lease expires.
		d.logger.Error("failed to claim delivery", "error", err, "delivery_id", job.DeliveryID)
		return
	}
	defer d.ackJob(ctx, job)
	if del == nil {
		d.logger.Debug("delivery not claimable, skipping", "delivery_id", job.DeliveryID)
		return
	}

	sub, err := d.subs.Get(ctx, del.SubscriptionID)
	if err != nil {
		d.failConfiguration(ctx, del, fmt.Sprintf("subscription %s not found", del.SubscriptionID))
		return
	}

	// A missing signing secret is a configuration error, not a
	// transient one: terminal immediately, never retried.
	if sub.SigningSecret == "" {
		d.failConfiguration(ctx, del, "subscription has no signing secret configured")
		return
	}

	res := d.attempt(ctx, del, sub)
	attempt := del.AttemptNumber + 1

	if d.metrics != nil {
		d.metrics.AttemptsTotal.Inc()
		d.metrics.DeliveryDuration.Observe(float64(res.ResponseTimeMs) / 1000)
	}

	if res.Success {
		d.recordSuccess(ctx, del, sub, res, attempt)
		return
	}
	d.recordFailure(ctx, del, sub, res, attempt)
}

func (d *Deliverer) ackJob(ctx context.Context, job queue.Job) {
	if err := d.queue.Ack(ctx, job); err != nil {
		d.logger.Error("failed to ack delivery job", "error", err, "delivery_id", job.DeliveryID)
	}
}

// attempt performs the signed HTTP POST and classifies the outcome.
// Non-2xx responses are results to classify, not errors.
func (d *Deliverer) attempt(ctx context.Context, del *domain.Delivery, sub *domain.Subscription) domain.AttemptResult {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, sub.Timeout(d.defaultTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.TargetURL, bytes.NewReader(del.Payload))
	if err != nil {
		return domain.AttemptResult{
			ErrorMessage: fmt.Sprintf("failed to create request: %v", err),
			ErrorType:    domain.ErrorNetwork,
		}
	}

	d.setHeaders(req, del, sub)

	resp, err := d.httpClient.Do(req)
	elapsed := int(time.Since(start).Milliseconds())
	if err != nil {
		return domain.AttemptResult{
			ResponseTimeMs: elapsed,
			ErrorMessage:   fmt.Sprintf("request failed: %v", err),
			ErrorType:      domain.ErrorNetwork,
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.maxStoredBytes)))

	res := domain.AttemptResult{
		StatusCode:     &resp.StatusCode,
		ResponseHeader: formatHeaders(resp.Header, d.maxStoredBytes),
		ResponseBody:   string(body),
		ResponseTimeMs: elapsed,
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Success = true
	} else {
		res.ErrorMessage = fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode)
		res.ErrorType = domain.ErrorHTTPStatus
	}
	return res
}

func (d *Deliverer) setHeaders(req *http.Request, del *domain.Delivery, sub *domain.Subscription) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-ID", sub.ID)
	req.Header.Set("X-Webhook-Event", del.EventType)
	req.Header.Set("X-Webhook-Event-ID", del.EventID)
	req.Header.Set("X-Webhook-Timestamp", d.clock.Now().UTC().Format(time.RFC3339))
	req.Header.Set("X-Webhook-Delivery-ID", del.DeliveryID)

	for k, v := range sub.CustomHeaders {
		req.Header.Set(k, v)
	}

	setAuthHeader(req.Header, sub.AuthMode, sub.AuthCredential)

	// The signature covers the exact stored payload bytes, so a
	// receiver verifying against the raw request body always matches.
	req.Header.Set("X-Webhook-Signature", signer.Sign(sub.SigningSecret, del.Payload))
}

// setAuthHeader attaches the one auth header for the subscription's
// mode. Basic credentials are stored as user:pass and encoded here.
func setAuthHeader(h http.Header, mode domain.AuthMode, credential string) {
	switch mode {
	case domain.AuthBasic:
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credential)))
	case domain.AuthBearer:
		h.Set("Authorization", "Bearer "+credential)
	case domain.AuthAPIKey:
		h.Set("X-API-Key", credential)
	}
}

func (d *Deliverer) recordSuccess(ctx context.Context, del *domain.Delivery, sub *domain.Subscription, res domain.AttemptResult, attempt int) {
	if err := d.deliveries.MarkSuccess(ctx, del.ID, res); err != nil {
		d.logger.Error("failed to record delivery success", "error", err, "delivery_id", del.DeliveryID)
		return
	}
	if _, err := d.subs.RecordSuccess(ctx, sub.ID, *res.StatusCode); err != nil {
		d.logger.Error("failed to update subscription stats", "error", err, "subscription_id", sub.ID)
	}

	if d.metrics != nil {
		d.metrics.DeliveredTotal.Inc()
	}
	d.notify(domain.DeliverySuccess, del, res, attempt)

	d.logger.Info("delivery successful",
		"delivery_id", del.DeliveryID,
		"subscription_id", sub.ID,
		"event_type", del.EventType,
		"attempt", attempt,
		"status_code", *res.StatusCode,
		"response_time_ms", res.ResponseTimeMs,
	)
}

// recordFailure persists the failed attempt, then either schedules a
// backoff retry or finalizes the delivery and advances the circuit
// breaker. Consecutive failures count once per delivery, on its
// terminal failure.
func (d *Deliverer) recordFailure(ctx context.Context, del *domain.Delivery, sub *domain.Subscription, res domain.AttemptResult, attempt int) {
	retryable := sub.RetryOnFailure && attempt <= sub.MaxRetries

	if retryable {
		delay := d.backoff.Delay(attempt)
		retryAfter := d.clock.Now().Add(delay)

		if err := d.deliveries.MarkRetry(ctx, del.ID, res, retryAfter); err != nil {
			d.logger.Error("failed to record retry", "error", err, "delivery_id", del.DeliveryID)
			return
		}
		if err := d.queue.Enqueue(ctx, queue.Job{DeliveryID: del.ID, Attempt: attempt}, delay); err != nil {
			d.logger.Error("failed to re-enqueue delivery", "error", err, "delivery_id", del.DeliveryID)
		}
		if _, err := d.subs.RecordFailure(ctx, sub.ID, res.StatusCode, false); err != nil {
			d.logger.Error("failed to update subscription stats", "error", err, "subscription_id", sub.ID)
		}

		if d.metrics != nil {
			d.metrics.RetriedTotal.Inc()
		}
		d.notify(domain.DeliveryRetry, del, res, attempt)

		d.logger.Warn("delivery failed, retry scheduled",
			"delivery_id", del.DeliveryID,
			"subscription_id", sub.ID,
			"attempt", attempt,
			"max_retries", sub.MaxRetries,
			"retry_in", delay.String(),
			"error", res.ErrorMessage,
		)
		return
	}

	// Retry budget exhausted or retries disabled: terminal failure.
	if err := d.deliveries.MarkFailed(ctx, del.ID, res); err != nil {
		d.logger.Error("failed to record delivery failure", "error", err, "delivery_id", del.DeliveryID)
		return
	}
	updated, err := d.subs.RecordFailure(ctx, sub.ID, res.StatusCode, true)
	if err != nil {
		d.logger.Error("failed to update subscription stats", "error", err, "subscription_id", sub.ID)
	}

	if d.metrics != nil {
		d.metrics.FailedTotal.Inc()
	}
	d.notify(domain.DeliveryFailed, del, res, attempt)

	d.logger.Warn("delivery failed permanently",
		"delivery_id", del.DeliveryID,
		"subscription_id", sub.ID,
		"attempt", attempt,
		"error_type", res.ErrorType,
		"error", res.ErrorMessage,
	)

	if updated != nil && updated.Status == domain.SubscriptionCircuitOpen && sub.Status != domain.SubscriptionCircuitOpen {
		if d.metrics != nil {
			d.metrics.CircuitOpened.Inc()
		}
		d.logger.Warn("circuit breaker opened",
			"subscription_id", sub.ID,
			"consecutive_failures", updated.ConsecutiveFailures,
			"threshold", sub.CircuitBreakerThreshold,
		)
	}
}

// failConfiguration terminates a delivery that can never succeed as
// configured. No HTTP attempt was made, so subscription counters and
// the circuit breaker are untouched.
func (d *Deliverer) failConfiguration(ctx context.Context, del *domain.Delivery, message string) {
	if err := d.deliveries.FailPermanently(ctx, del.ID, domain.ErrorConfiguration, message); err != nil {
		d.logger.Error("failed to record configuration error", "error", err, "delivery_id", del.DeliveryID)
		return
	}
	if d.metrics != nil {
		d.metrics.FailedTotal.Inc()
	}
	d.logger.Error("delivery configuration error",
		"delivery_id", del.DeliveryID,
		"subscription_id", del.SubscriptionID,
		"error", message,
	)
}

func (d *Deliverer) notify(status string, del *domain.Delivery, res domain.AttemptResult, attempt int) {
	if d.hub == nil {
		return
	}
	d.hub.Broadcast(ws.DeliveryUpdate{
		Status:         status,
		DeliveryID:     del.DeliveryID,
		SubscriptionID: del.SubscriptionID,
		EventType:      del.EventType,
		EventID:        del.EventID,
		Attempt:        attempt,
		StatusCode:     res.StatusCode,
		ResponseMs:     res.ResponseTimeMs,
		Error:          res.ErrorMessage,
		Timestamp:      d.clock.Now(),
	})
}

func formatHeaders(h http.Header, limit int) string {
	var b strings.Builder
	for k, vals := range h {
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\n")
			if b.Len() >= limit {
				return b.String()[:limit]
			}
		}
	}
	return b.String()
}
