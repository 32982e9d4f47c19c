package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// Provider is the generic interface that any payment backend must implement.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, dispatch and storage updates internally.
	WebhookHandler() http.Handler

	// SyncSubscription pulls the current subscription of a kiné from the
	// provider and applies it to storage. This is the admin repair path.
	SyncSubscription(ctx context.Context, kineID string) (*kinelink.Subscription, error)
}

// CheckoutProvider creates hosted payment pages
type CheckoutProvider interface {
	// CheckoutURL returns a hosted checkout page subscribing kineID to plan
	CheckoutURL(ctx context.Context, kineID, plan, successURL, cancelURL string) (string, error)

	// PortalURL returns a self-service billing page for kineID
	PortalURL(ctx context.Context, kineID, returnURL string) (string, error)
}

// ReferralEvaluator grants referral credits on qualifying renewals
type ReferralEvaluator interface {
	EvaluateRenewal(ctx context.Context, sub *kinelink.Subscription, invoiceID string) error
}
