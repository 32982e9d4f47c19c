package kinelink

import (
	"context"
	"time"
)

// SubscriptionStore persists kiné subscriptions
type SubscriptionStore interface {
	// GetSubscription returns the subscription of a kiné or ErrSubscriptionNotFound
	GetSubscription(ctx context.Context, kineID string) (*Subscription, error)

	// GetSubscriptionByExternalID looks a subscription up by the provider subscription id
	GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*Subscription, error)

	// GetSubscriptionByCustomerID looks a subscription up by the provider customer id
	GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*Subscription, error)

	// UpsertSubscription writes sub keyed by kiné id. The write is applied only
	// when no row exists or sub.UpdatedAt is not before the stored UpdatedAt.
	// CreatedAt of an existing row is preserved.
	// Returns whether the write was applied.
	UpsertSubscription(ctx context.Context, sub *Subscription) (bool, error)
}

// EventLedger records which webhook events have been processed
type EventLedger interface {
	// ClaimEvent atomically records ev.ID. It returns false when the id was
	// already claimed, in which case the event must not be processed again.
	ClaimEvent(ctx context.Context, ev *ProcessedEvent) (bool, error)

	// ReleaseEvent drops a claim so a redelivery of the event is processed
	ReleaseEvent(ctx context.Context, eventID string) error
}

// ReferralStore persists referral links and credits
type ReferralStore interface {
	// SetReferrer records that referredKineID signed up through referrerKineID
	SetReferrer(ctx context.Context, referredKineID, referrerKineID string) error

	// GetReferrer returns the referrer of a kiné or ErrReferrerNotFound
	GetReferrer(ctx context.Context, referredKineID string) (string, error)

	// AddReferralCredit stores a credit unless one exists for the same invoice.
	// Returns whether a new credit was created.
	AddReferralCredit(ctx context.Context, credit *ReferralCredit) (bool, error)

	// ListReferralCredits returns the credits earned by a referrer, oldest first
	ListReferralCredits(ctx context.Context, referrerKineID string) ([]ReferralCredit, error)
}

// NotificationStore persists in-app notifications
type NotificationStore interface {
	// AddNotification stores n. A notification whose ID is already stored is
	// not added again, so retried events can reuse a deterministic ID.
	AddNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, kineID string) ([]Notification, error)
}

// MessageHistoryStore persists the audit trail of outbound messages
type MessageHistoryStore interface {
	RecordMessage(ctx context.Context, rec *MessageRecord) error
	ListMessages(ctx context.Context, recipient string) ([]MessageRecord, error)
}

// Storage is the full persistence contract of the application
type Storage interface {
	SubscriptionStore
	EventLedger
	ReferralStore
	NotificationStore
	MessageHistoryStore
}

// RateLimitStore keeps fixed-window counters
type RateLimitStore interface {
	// IncrementWindow looks up or creates the window for (req.Class, req.Key),
	// resets it when it has elapsed, and counts this request, all in one
	// atomic step. The returned info reflects the count after the increment.
	IncrementWindow(ctx context.Context, req *RateLimitRequest) (*RateLimitInfo, error)
}

// ConversationTurn is one message of an assistant conversation
type ConversationTurn struct {
	Role      string // "user" or "assistant"
	Content   string
	CreatedAt time.Time
}

// ConversationStore persists assistant conversations
type ConversationStore interface {
	// AppendTurn adds a turn to the end of a conversation
	AppendTurn(ctx context.Context, conversationID string, turn ConversationTurn) error

	// ListTurns returns the last limit turns in order, or all when limit <= 0
	ListTurns(ctx context.Context, conversationID string, limit int) ([]ConversationTurn, error)
}

// TimeSource returns the current time. Tests replace it to move windows forward.
type TimeSource func() time.Time
