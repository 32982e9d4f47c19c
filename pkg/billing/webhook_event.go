package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// WebhookCallback is invoked after a webhook changed a subscription.
// Errors are logged and do not affect the provider acknowledgement.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error

// WebhookEvent contains information about a successful webhook processing event.
// It is passed to the WebhookCallback after the subscription has been
// successfully updated in storage.
type WebhookEvent struct {
	// KineID is the internal account identifier
	KineID string

	// PreviousStatus is the status before the update (empty if new subscription)
	PreviousStatus kinelink.SubscriptionStatus

	// NewStatus is the status after the update
	NewStatus kinelink.SubscriptionStatus

	// Plan is the plan after the update
	Plan string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID is the provider event id
	EventID string

	// EventType is the provider-specific event type
	// Stripe: "customer.subscription.created", "invoice.payment_succeeded", etc.
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// CurrentPeriodEnd is the end of the paid period, if known
	CurrentPeriodEnd *time.Time

	// Metadata contains provider-specific additional data
	// Stripe: subscription or session metadata, invoice id, billing reason
	Metadata map[string]interface{}
}
