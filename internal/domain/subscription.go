package domain

import "time"

// Subscription statuses.
const (
	SubscriptionActive      = "active"
	SubscriptionInactive    = "inactive"
	SubscriptionCircuitOpen = "circuit_open"
)

// AuthMode selects which auth header is attached to outbound requests.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBasic  AuthMode = "basic"
	AuthBearer AuthMode = "bearer"
	AuthAPIKey AuthMode = "api_key"
)

// Subscription is a tenant-configured webhook endpoint registration.
// Rows are created and edited by the management API; the delivery engine
// reads them and mutates only the runtime counters.
type Subscription struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	TargetURL string    `json:"target_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Event types this subscription receives. A "*" entry matches
	// every event type.
	EventTypes []string `json:"event_types"`

	SigningSecret  string            `json:"signing_secret,omitempty"`
	AuthMode       AuthMode          `json:"auth_mode"`
	AuthCredential string            `json:"auth_credential,omitempty"`
	CustomHeaders  map[string]string `json:"custom_headers,omitempty"`

	TimeoutSeconds          int  `json:"timeout_seconds"`
	MaxRetries              int  `json:"max_retries"`
	RetryOnFailure          bool `json:"retry_on_failure"`
	CircuitBreakerThreshold int  `json:"circuit_breaker_threshold"`

	// Runtime state, mutated by the delivery engine only.
	Status               string     `json:"status"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	CircuitOpenedAt      *time.Time `json:"circuit_opened_at,omitempty"`
	LastTriggeredAt      *time.Time `json:"last_triggered_at,omitempty"`
	LastStatusCode       *int       `json:"last_status_code,omitempty"`
	TotalDeliveries      int        `json:"total_deliveries"`
	SuccessfulDeliveries int        `json:"successful_deliveries"`
}

// Matches reports whether this subscription's filter covers the event type.
func (s *Subscription) Matches(eventType string) bool {
	for _, et := range s.EventTypes {
		if et == eventType || et == "*" {
			return true
		}
	}
	return false
}

// Timeout returns the per-delivery HTTP timeout, falling back to def
// when the subscription has none configured.
func (s *Subscription) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ApplySuccess records a successful delivery attempt: consecutive
// failures reset and an open circuit closes. The Postgres registry
// encodes the same transition in a single UPDATE statement; this helper
// is the in-memory version.
func (s *Subscription) ApplySuccess(statusCode int, now time.Time) {
	s.TotalDeliveries++
	s.SuccessfulDeliveries++
	s.ConsecutiveFailures = 0
	s.LastStatusCode = &statusCode
	s.LastTriggeredAt = &now
	if s.Status == SubscriptionCircuitOpen {
		s.Status = SubscriptionActive
		s.CircuitOpenedAt = nil
	}
}

// ApplyFailure records a failed delivery attempt. The consecutive
// failure counter moves only when the attempt is the delivery's
// terminal failure, not on every attempt inside its retry sequence.
// The circuit opens exactly when the counter reaches the threshold.
func (s *Subscription) ApplyFailure(statusCode *int, terminal bool, now time.Time) {
	s.TotalDeliveries++
	s.LastStatusCode = statusCode
	s.LastTriggeredAt = &now
	if !terminal {
		return
	}
	s.ConsecutiveFailures++
	if s.Status == SubscriptionActive && s.ConsecutiveFailures >= s.CircuitBreakerThreshold {
		s.Status = SubscriptionCircuitOpen
		s.CircuitOpenedAt = &now
	}
}
