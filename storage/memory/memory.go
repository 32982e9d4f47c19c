// Package memory provides an in-memory implementation of the kinelink storage interfaces.
// It backs single-process deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

type window struct {
	count   int
	resetAt time.Time
}

// Storage implements kinelink.Storage, kinelink.RateLimitStore and
// kinelink.ConversationStore using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*kinelink.Subscription
	events        map[string]kinelink.ProcessedEvent
	referrers     map[string]string
	credits       map[string]kinelink.ReferralCredit // by invoice id
	notifications map[string][]kinelink.Notification
	messages      map[string][]kinelink.MessageRecord
	conversations map[string][]kinelink.ConversationTurn

	windowsMu sync.Mutex
	windows   map[string]*window
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*kinelink.Subscription),
		events:        make(map[string]kinelink.ProcessedEvent),
		referrers:     make(map[string]string),
		credits:       make(map[string]kinelink.ReferralCredit),
		notifications: make(map[string][]kinelink.Notification),
		messages:      make(map[string][]kinelink.MessageRecord),
		conversations: make(map[string][]kinelink.ConversationTurn),
		windows:       make(map[string]*window),
	}
}

// GetSubscription implements kinelink.SubscriptionStore
func (s *Storage) GetSubscription(_ context.Context, kineID string) (*kinelink.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[kineID]
	if !ok {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

// GetSubscriptionByExternalID implements kinelink.SubscriptionStore
func (s *Storage) GetSubscriptionByExternalID(_ context.Context, subscriptionID string) (*kinelink.Subscription, error) {
	if subscriptionID == "" {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.SubscriptionID == subscriptionID {
			return copySubscription(sub), nil
		}
	}
	return nil, kinelink.ErrSubscriptionNotFound
}

// GetSubscriptionByCustomerID implements kinelink.SubscriptionStore
func (s *Storage) GetSubscriptionByCustomerID(_ context.Context, customerID string) (*kinelink.Subscription, error) {
	if customerID == "" {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.CustomerID == customerID {
			return copySubscription(sub), nil
		}
	}
	return nil, kinelink.ErrSubscriptionNotFound
}

// UpsertSubscription implements kinelink.SubscriptionStore
func (s *Storage) UpsertSubscription(_ context.Context, sub *kinelink.Subscription) (bool, error) {
	if sub == nil || sub.KineID == "" {
		return false, kinelink.ErrInvalidSubscription
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := copySubscription(sub)
	if existing, ok := s.subscriptions[sub.KineID]; ok {
		if sub.UpdatedAt.Before(existing.UpdatedAt) {
			return false, nil
		}
		next.CreatedAt = existing.CreatedAt
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = sub.UpdatedAt
	}
	s.subscriptions[sub.KineID] = next
	return true, nil
}

// ClaimEvent implements kinelink.EventLedger
func (s *Storage) ClaimEvent(_ context.Context, ev *kinelink.ProcessedEvent) (bool, error) {
	if ev == nil || ev.ID == "" {
		return false, kinelink.ErrInvalidEvent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.ID]; ok {
		return false, nil
	}
	s.events[ev.ID] = *ev
	return true, nil
}

// ReleaseEvent implements kinelink.EventLedger
func (s *Storage) ReleaseEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, eventID)
	return nil
}

// SetReferrer implements kinelink.ReferralStore
func (s *Storage) SetReferrer(_ context.Context, referredKineID, referrerKineID string) error {
	if referredKineID == "" || referrerKineID == "" {
		return fmt.Errorf("referred and referrer ids are required")
	}
	if referredKineID == referrerKineID {
		return fmt.Errorf("a kiné cannot refer itself")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.referrers[referredKineID] = referrerKineID
	return nil
}

// GetReferrer implements kinelink.ReferralStore
func (s *Storage) GetReferrer(_ context.Context, referredKineID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	referrer, ok := s.referrers[referredKineID]
	if !ok {
		return "", kinelink.ErrReferrerNotFound
	}
	return referrer, nil
}

// AddReferralCredit implements kinelink.ReferralStore
func (s *Storage) AddReferralCredit(_ context.Context, credit *kinelink.ReferralCredit) (bool, error) {
	if credit == nil || credit.InvoiceID == "" {
		return false, fmt.Errorf("referral credit requires an invoice id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credits[credit.InvoiceID]; ok {
		return false, nil
	}
	s.credits[credit.InvoiceID] = *credit
	return true, nil
}

// ListReferralCredits implements kinelink.ReferralStore
func (s *Storage) ListReferralCredits(_ context.Context, referrerKineID string) ([]kinelink.ReferralCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []kinelink.ReferralCredit
	for _, c := range s.credits {
		if c.ReferrerKineID == referrerKineID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AddNotification implements kinelink.NotificationStore
func (s *Storage) AddNotification(_ context.Context, n *kinelink.Notification) error {
	if n == nil || n.KineID == "" {
		return fmt.Errorf("notification requires a kiné id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID != "" {
		for _, existing := range s.notifications[n.KineID] {
			if existing.ID == n.ID {
				return nil
			}
		}
	}
	s.notifications[n.KineID] = append(s.notifications[n.KineID], *n)
	return nil
}

// ListNotifications implements kinelink.NotificationStore
func (s *Storage) ListNotifications(_ context.Context, kineID string) ([]kinelink.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]kinelink.Notification(nil), s.notifications[kineID]...), nil
}

// RecordMessage implements kinelink.MessageHistoryStore
func (s *Storage) RecordMessage(_ context.Context, rec *kinelink.MessageRecord) error {
	if rec == nil || rec.Recipient == "" {
		return fmt.Errorf("message record requires a recipient")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[rec.Recipient] = append(s.messages[rec.Recipient], *rec)
	return nil
}

// ListMessages implements kinelink.MessageHistoryStore
func (s *Storage) ListMessages(_ context.Context, recipient string) ([]kinelink.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]kinelink.MessageRecord(nil), s.messages[recipient]...), nil
}

// AppendTurn implements kinelink.ConversationStore
func (s *Storage) AppendTurn(_ context.Context, conversationID string, turn kinelink.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = append(s.conversations[conversationID], turn)
	return nil
}

// ListTurns implements kinelink.ConversationStore
func (s *Storage) ListTurns(_ context.Context, conversationID string, limit int) ([]kinelink.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.conversations[conversationID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]kinelink.ConversationTurn(nil), turns...), nil
}

// IncrementWindow implements kinelink.RateLimitStore.
// The lookup, reset and increment run under one lock.
func (s *Storage) IncrementWindow(_ context.Context, req *kinelink.RateLimitRequest) (*kinelink.RateLimitInfo, error) {
	if req == nil || req.Window <= 0 || req.Max <= 0 {
		return nil, kinelink.ErrInvalidPolicy
	}
	key := req.Class + "|" + req.Key

	s.windowsMu.Lock()
	defer s.windowsMu.Unlock()

	w, ok := s.windows[key]
	if !ok || !req.Now.Before(w.resetAt) {
		w = &window{resetAt: req.Now.Add(req.Window)}
		s.windows[key] = w
	}
	w.count++
	return kinelink.FixedWindow(w.count, req.Max, w.resetAt), nil
}

// CleanupWindows removes elapsed rate limit windows and returns how many were dropped
func (s *Storage) CleanupWindows(now time.Time) int {
	s.windowsMu.Lock()
	defer s.windowsMu.Unlock()

	removed := 0
	for key, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// CleanupEvents removes ledger entries received before cutoff
func (s *Storage) CleanupEvents(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, ev := range s.events {
		if ev.ReceivedAt.Before(cutoff) {
			delete(s.events, id)
			removed++
		}
	}
	return removed
}

// Cleanup drops elapsed windows and ledger entries older than retention
func (s *Storage) Cleanup(_ context.Context, now time.Time, retention time.Duration) error {
	s.CleanupWindows(now)
	s.CleanupEvents(now.Add(-retention))
	return nil
}

func copySubscription(sub *kinelink.Subscription) *kinelink.Subscription {
	c := *sub
	if sub.CurrentPeriodEnd != nil {
		end := *sub.CurrentPeriodEnd
		c.CurrentPeriodEnd = &end
	}
	return &c
}
