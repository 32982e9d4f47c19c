package billing

import (
	"net/http"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Store persists subscriptions, the event ledger and notifications (required)
	Store kinelink.Storage

	// PlanMapping maps provider price or product ids to plan identifiers.
	// For example: map[string]string{"price_123": "solo", "price_456": "cabinet"}
	PlanMapping map[string]string

	// WebhookSecret is used to verify incoming webhook signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Referrals evaluates referral credits on renewals. Optional.
	Referrals ReferralEvaluator

	// OnEvent is called after an event changed a subscription. Optional.
	OnEvent WebhookCallback

	// Logger receives structured logs. If nil, logs are discarded.
	Logger kinelink.Logger

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Now replaces time.Now in tests
	Now kinelink.TimeSource
}
