package kinelink

import (
	"time"
)

// SubscriptionStatus is the billing state of a kiné subscription
type SubscriptionStatus string

const (
	// StatusActive means the subscription is paid and current
	StatusActive SubscriptionStatus = "active"
	// StatusPastDue means the last renewal payment failed
	StatusPastDue SubscriptionStatus = "past_due"
	// StatusCanceled means the subscription has ended
	StatusCanceled SubscriptionStatus = "canceled"
	// StatusIncomplete means the first payment has not completed yet
	StatusIncomplete SubscriptionStatus = "incomplete"
	// StatusTrialing means the subscription is in a trial period
	StatusTrialing SubscriptionStatus = "trialing"
	// StatusUnpaid means the provider stopped retrying a failed payment
	StatusUnpaid SubscriptionStatus = "unpaid"
)

// ParseSubscriptionStatus maps a provider status string onto a known status.
// Unknown values map to StatusIncomplete.
func ParseSubscriptionStatus(s string) SubscriptionStatus {
	switch SubscriptionStatus(s) {
	case StatusActive, StatusPastDue, StatusCanceled, StatusIncomplete, StatusTrialing, StatusUnpaid:
		return SubscriptionStatus(s)
	case "incomplete_expired":
		return StatusCanceled
	default:
		return StatusIncomplete
	}
}

// IsTerminal reports whether no further transition is expected
func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusCanceled
}

// GrantsAccess reports whether the kiné may use paid features
func (s SubscriptionStatus) GrantsAccess() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusPastDue
}

// Subscription is the billing record of one kiné account.
// There is exactly one row per kiné, which keeps at most one non-canceled
// subscription per account.
type Subscription struct {
	KineID            string
	Plan              string
	Status            SubscriptionStatus
	CurrentPeriodEnd  *time.Time
	CustomerID        string
	SubscriptionID    string
	CancelAtPeriodEnd bool
	CreatedAt         time.Time

	// UpdatedAt is the provider event time that produced this state.
	// Writes carrying an older timestamp are not applied.
	UpdatedAt time.Time
}

// Active reports whether the subscription currently grants access
func (s *Subscription) Active(now time.Time) bool {
	if s == nil || !s.Status.GrantsAccess() {
		return false
	}
	if s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.Before(now) && s.Status != StatusPastDue {
		return false
	}
	return true
}

// ProcessedEvent is an entry of the webhook idempotency ledger
type ProcessedEvent struct {
	ID         string
	Type       string
	Provider   string
	ReceivedAt time.Time
}

// ReferralCredit is granted to a referrer when a referred kiné renews
type ReferralCredit struct {
	ID             string
	ReferrerKineID string
	ReferredKineID string
	InvoiceID      string
	Months         int
	CreatedAt      time.Time
}

// NotificationKind identifies what a notification is about
type NotificationKind string

const (
	NotificationPaymentSucceeded NotificationKind = "payment_succeeded"
	NotificationPaymentFailed    NotificationKind = "payment_failed"
	NotificationReferralCredit   NotificationKind = "referral_credit"
	NotificationSubscriptionEnd  NotificationKind = "subscription_canceled"
)

// Notification is an in-app message for a kiné
type Notification struct {
	ID        string
	KineID    string
	Kind      NotificationKind
	Message   string
	CreatedAt time.Time
}

// MessageRecord is the audit entry of a message accepted by a messaging provider
type MessageRecord struct {
	ID                string
	Method            string // "whatsapp"
	Recipient         string
	Template          string
	ProviderMessageID string
	SentAt            time.Time
}

// KeyBy selects how a rate limit key is derived from the caller
type KeyBy string

const (
	// KeyByIdentity keys on the authenticated subject, falling back to the IP
	KeyByIdentity KeyBy = "identity"
	// KeyByIP keys on the network address only
	KeyByIP KeyBy = "ip"
)

// RateLimitPolicy configures a fixed window for one route class
type RateLimitPolicy struct {
	// Window is the length of the fixed window (e.g. 60s)
	Window time.Duration

	// Max is the number of requests accepted inside one window
	Max int

	// KeyBy selects identity or ip keying. Empty means identity.
	KeyBy KeyBy
}

// Validate checks the policy is usable
func (p RateLimitPolicy) Validate() error {
	if p.Window <= 0 || p.Max <= 0 {
		return ErrInvalidPolicy
	}
	switch p.KeyBy {
	case "", KeyByIdentity, KeyByIP:
		return nil
	default:
		return ErrInvalidPolicy
	}
}

// RateLimitRequest is handed to a RateLimitStore
type RateLimitRequest struct {
	Class  string
	Key    string
	Window time.Duration
	Max    int
	Now    time.Time
}

// RateLimitInfo describes the window after a request was counted
type RateLimitInfo struct {
	// Count is the number of requests in the current window, including this one
	Count int

	// Remaining is the number of requests left in the current window
	Remaining int

	// ResetTime is when the current window ends
	ResetTime time.Time

	// Limit is the maximum for the window
	Limit int
}

// RetryAfter is the time left in the window relative to now
func (i *RateLimitInfo) RetryAfter(now time.Time) time.Duration {
	if i == nil {
		return 0
	}
	d := i.ResetTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RouteRule binds a rate limit policy to an HTTP method and path pattern
type RouteRule struct {
	// Method is an HTTP method or "*" for any
	Method string

	// Pattern is a slash separated path. ":name" and "*" match one segment,
	// a trailing "/*" matches any remaining suffix.
	Pattern string

	// Class names the counter namespace. Defaults to Pattern.
	Class string

	Policy RateLimitPolicy
}
