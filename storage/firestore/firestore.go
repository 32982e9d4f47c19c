// Package firestore provides a Firestore implementation of the kinelink storage interfaces.
// Version checks, ledger claims and rate limit windows run inside Firestore
// transactions or rely on Create failing for an existing document.
package firestore

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// Storage implements kinelink.Storage, kinelink.RateLimitStore and
// kinelink.ConversationStore using Google Cloud Firestore
type Storage struct {
	client *firestore.Client
	config Config
}

// Config holds Firestore storage configuration
type Config struct {
	// Prefix is prepended to every collection name.
	// Default: "kinelink_"
	Prefix string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.Prefix == "" {
		config.Prefix = "kinelink_"
	}
	return &Storage{client: client, config: config}, nil
}

func (s *Storage) collection(name string) *firestore.CollectionRef {
	return s.client.Collection(s.config.Prefix + name)
}

// GetSubscription implements kinelink.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, kineID string) (*kinelink.Subscription, error) {
	if kineID == "" {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	snap, err := s.collection("subscriptions").Doc(kineID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, kinelink.ErrSubscriptionNotFound
		}
		return nil, unavailable("get subscription", err)
	}
	if !snap.Exists() {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	return subscriptionFromData(snap.Ref.ID, snap.Data()), nil
}

// GetSubscriptionByExternalID implements kinelink.SubscriptionStore
func (s *Storage) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*kinelink.Subscription, error) {
	if subscriptionID == "" {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	return s.findSubscription(ctx, "subscriptionId", subscriptionID)
}

// GetSubscriptionByCustomerID implements kinelink.SubscriptionStore
func (s *Storage) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*kinelink.Subscription, error) {
	if customerID == "" {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	return s.findSubscription(ctx, "customerId", customerID)
}

func (s *Storage) findSubscription(ctx context.Context, field, value string) (*kinelink.Subscription, error) {
	snaps, err := s.collection("subscriptions").Where(field, "==", value).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, unavailable("find subscription", err)
	}
	if len(snaps) == 0 {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	return subscriptionFromData(snaps[0].Ref.ID, snaps[0].Data()), nil
}

// UpsertSubscription implements kinelink.SubscriptionStore.
// The stored updatedAt is compared inside the transaction.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *kinelink.Subscription) (bool, error) {
	if sub == nil || sub.KineID == "" {
		return false, kinelink.ErrInvalidSubscription
	}
	doc := s.collection("subscriptions").Doc(sub.KineID)
	updatedAt := sub.UpdatedAt.UTC().Truncate(time.Microsecond)

	var applied bool
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		applied = false
		createdAt := sub.CreatedAt.UTC().Truncate(time.Microsecond)

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			data := snap.Data()
			if updatedAt.Before(getTime(data, "updatedAt")) {
				return nil
			}
			if stored := getTime(data, "createdAt"); !stored.IsZero() {
				createdAt = stored
			}
		}
		if createdAt.IsZero() {
			createdAt = updatedAt
		}

		data := map[string]interface{}{
			"plan":              sub.Plan,
			"status":            string(sub.Status),
			"customerId":        sub.CustomerID,
			"subscriptionId":    sub.SubscriptionID,
			"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
			"createdAt":         createdAt,
			"updatedAt":         updatedAt,
			"currentPeriodEnd":  nil,
		}
		if sub.CurrentPeriodEnd != nil {
			data["currentPeriodEnd"] = sub.CurrentPeriodEnd.UTC()
		}
		if err := tx.Set(doc, data); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, unavailable("upsert subscription", err)
	}
	return applied, nil
}

// ClaimEvent implements kinelink.EventLedger.
// Create fails with AlreadyExists for a claimed id.
func (s *Storage) ClaimEvent(ctx context.Context, ev *kinelink.ProcessedEvent) (bool, error) {
	if ev == nil || ev.ID == "" {
		return false, kinelink.ErrInvalidEvent
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err := s.collection("events").Doc(ev.ID).Create(ctx, map[string]interface{}{
		"type":       ev.Type,
		"provider":   ev.Provider,
		"receivedAt": receivedAt.UTC(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, unavailable("claim event", err)
	}
	return true, nil
}

// ReleaseEvent implements kinelink.EventLedger
func (s *Storage) ReleaseEvent(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	if _, err := s.collection("events").Doc(eventID).Delete(ctx); err != nil {
		return unavailable("release event", err)
	}
	return nil
}

// SetReferrer implements kinelink.ReferralStore
func (s *Storage) SetReferrer(ctx context.Context, referredKineID, referrerKineID string) error {
	if referredKineID == "" || referrerKineID == "" {
		return fmt.Errorf("referred and referrer ids are required")
	}
	if referredKineID == referrerKineID {
		return fmt.Errorf("a kiné cannot refer itself")
	}
	_, err := s.collection("referrals").Doc(referredKineID).Set(ctx, map[string]interface{}{
		"referrer": referrerKineID,
	})
	if err != nil {
		return unavailable("set referrer", err)
	}
	return nil
}

// GetReferrer implements kinelink.ReferralStore
func (s *Storage) GetReferrer(ctx context.Context, referredKineID string) (string, error) {
	if referredKineID == "" {
		return "", kinelink.ErrReferrerNotFound
	}
	snap, err := s.collection("referrals").Doc(referredKineID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", kinelink.ErrReferrerNotFound
		}
		return "", unavailable("get referrer", err)
	}
	referrer := getString(snap.Data(), "referrer")
	if referrer == "" {
		return "", kinelink.ErrReferrerNotFound
	}
	return referrer, nil
}

// AddReferralCredit implements kinelink.ReferralStore.
// Credits are keyed by invoice id.
func (s *Storage) AddReferralCredit(ctx context.Context, credit *kinelink.ReferralCredit) (bool, error) {
	if credit == nil || credit.InvoiceID == "" {
		return false, fmt.Errorf("referral credit requires an invoice id")
	}
	id := credit.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.collection("referral_credits").Doc(docID(credit.InvoiceID)).Create(ctx, map[string]interface{}{
		"id":        id,
		"referrer":  credit.ReferrerKineID,
		"referred":  credit.ReferredKineID,
		"invoiceId": credit.InvoiceID,
		"months":    credit.Months,
		"createdAt": credit.CreatedAt.UTC(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, unavailable("add referral credit", err)
	}
	return true, nil
}

// ListReferralCredits implements kinelink.ReferralStore
func (s *Storage) ListReferralCredits(ctx context.Context, referrerKineID string) ([]kinelink.ReferralCredit, error) {
	snaps, err := s.collection("referral_credits").
		Where("referrer", "==", referrerKineID).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, unavailable("list referral credits", err)
	}

	out := make([]kinelink.ReferralCredit, 0, len(snaps))
	for _, snap := range snaps {
		data := snap.Data()
		out = append(out, kinelink.ReferralCredit{
			ID:             getString(data, "id"),
			ReferrerKineID: getString(data, "referrer"),
			ReferredKineID: getString(data, "referred"),
			InvoiceID:      getString(data, "invoiceId"),
			Months:         getInt(data, "months"),
			CreatedAt:      getTime(data, "createdAt"),
		})
	}
	return out, nil
}

// AddNotification implements kinelink.NotificationStore
func (s *Storage) AddNotification(ctx context.Context, n *kinelink.Notification) error {
	if n == nil || n.KineID == "" {
		return fmt.Errorf("notification requires a kiné id")
	}
	id := n.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.items("notifications", n.KineID).Doc(id).Create(ctx, map[string]interface{}{
		"kind":      string(n.Kind),
		"message":   n.Message,
		"createdAt": n.CreatedAt.UTC(),
		"seq":       time.Now().UnixNano(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return unavailable("add notification", err)
	}
	return nil
}

// ListNotifications implements kinelink.NotificationStore
func (s *Storage) ListNotifications(ctx context.Context, kineID string) ([]kinelink.Notification, error) {
	snaps, err := s.items("notifications", kineID).OrderBy("seq", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, unavailable("list notifications", err)
	}

	out := make([]kinelink.Notification, 0, len(snaps))
	for _, snap := range snaps {
		data := snap.Data()
		out = append(out, kinelink.Notification{
			ID:        snap.Ref.ID,
			KineID:    kineID,
			Kind:      kinelink.NotificationKind(getString(data, "kind")),
			Message:   getString(data, "message"),
			CreatedAt: getTime(data, "createdAt"),
		})
	}
	return out, nil
}

// RecordMessage implements kinelink.MessageHistoryStore
func (s *Storage) RecordMessage(ctx context.Context, rec *kinelink.MessageRecord) error {
	if rec == nil || rec.Recipient == "" {
		return fmt.Errorf("message record requires a recipient")
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.items("messages", rec.Recipient).Doc(id).Set(ctx, map[string]interface{}{
		"method":            rec.Method,
		"template":          rec.Template,
		"providerMessageId": rec.ProviderMessageID,
		"sentAt":            rec.SentAt.UTC(),
		"seq":               time.Now().UnixNano(),
	})
	if err != nil {
		return unavailable("record message", err)
	}
	return nil
}

// ListMessages implements kinelink.MessageHistoryStore
func (s *Storage) ListMessages(ctx context.Context, recipient string) ([]kinelink.MessageRecord, error) {
	snaps, err := s.items("messages", recipient).OrderBy("seq", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, unavailable("list messages", err)
	}

	out := make([]kinelink.MessageRecord, 0, len(snaps))
	for _, snap := range snaps {
		data := snap.Data()
		out = append(out, kinelink.MessageRecord{
			ID:                snap.Ref.ID,
			Method:            getString(data, "method"),
			Recipient:         recipient,
			Template:          getString(data, "template"),
			ProviderMessageID: getString(data, "providerMessageId"),
			SentAt:            getTime(data, "sentAt"),
		})
	}
	return out, nil
}

// AppendTurn implements kinelink.ConversationStore
func (s *Storage) AppendTurn(ctx context.Context, conversationID string, turn kinelink.ConversationTurn) error {
	_, _, err := s.items("conversations", conversationID).Add(ctx, map[string]interface{}{
		"role":      turn.Role,
		"content":   turn.Content,
		"createdAt": turn.CreatedAt.UTC(),
		"seq":       time.Now().UnixNano(),
	})
	if err != nil {
		return unavailable("append turn", err)
	}
	return nil
}

// ListTurns implements kinelink.ConversationStore
func (s *Storage) ListTurns(ctx context.Context, conversationID string, limit int) ([]kinelink.ConversationTurn, error) {
	q := s.items("conversations", conversationID).OrderBy("seq", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, unavailable("list turns", err)
	}

	turns := make([]kinelink.ConversationTurn, len(snaps))
	for i, snap := range snaps {
		data := snap.Data()
		// newest first from the query, stored oldest first
		turns[len(snaps)-1-i] = kinelink.ConversationTurn{
			Role:      getString(data, "role"),
			Content:   getString(data, "content"),
			CreatedAt: getTime(data, "createdAt"),
		}
	}
	return turns, nil
}

// IncrementWindow implements kinelink.RateLimitStore using a transaction
func (s *Storage) IncrementWindow(ctx context.Context, req *kinelink.RateLimitRequest) (*kinelink.RateLimitInfo, error) {
	if req == nil || req.Window <= 0 || req.Max <= 0 {
		return nil, kinelink.ErrInvalidPolicy
	}
	doc := s.collection("rate_limits").Doc(docID(req.Class + "|" + req.Key))
	now := req.Now.UTC().Truncate(time.Microsecond)

	var count int
	var resetAt time.Time
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		count = 1
		resetAt = now.Add(req.Window)

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			data := snap.Data()
			if stored := getTime(data, "resetAt"); now.Before(stored) {
				count = getInt(data, "count") + 1
				resetAt = stored
			}
		}

		return tx.Set(doc, map[string]interface{}{
			"count":   count,
			"resetAt": resetAt,
		})
	})
	if err != nil {
		return nil, unavailable("increment window", err)
	}
	return kinelink.FixedWindow(count, req.Max, resetAt), nil
}

// Cleanup deletes elapsed rate limit windows and ledger entries older than retention
func (s *Storage) Cleanup(ctx context.Context, now time.Time, retention time.Duration) error {
	windows, err := s.collection("rate_limits").Where("resetAt", "<=", now.UTC()).Documents(ctx).GetAll()
	if err != nil {
		return unavailable("cleanup windows", err)
	}
	events, err := s.collection("events").Where("receivedAt", "<", now.Add(-retention).UTC()).Documents(ctx).GetAll()
	if err != nil {
		return unavailable("cleanup events", err)
	}
	if len(windows)+len(events) == 0 {
		return nil
	}

	bw := s.client.BulkWriter(ctx)
	for _, snap := range append(windows, events...) {
		if _, err := bw.Delete(snap.Ref); err != nil {
			bw.End()
			return unavailable("cleanup", err)
		}
	}
	bw.End()
	return nil
}

// items returns the per-owner subcollection holding ordered entries
func (s *Storage) items(collection, owner string) *firestore.CollectionRef {
	return s.collection(collection).Doc(docID(owner)).Collection("items")
}

// docID maps an arbitrary key onto a valid document id.
// Route classes contain slashes, which Firestore reads as path separators.
func docID(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func subscriptionFromData(kineID string, data map[string]interface{}) *kinelink.Subscription {
	sub := &kinelink.Subscription{
		KineID:            kineID,
		Plan:              getString(data, "plan"),
		Status:            kinelink.SubscriptionStatus(getString(data, "status")),
		CustomerID:        getString(data, "customerId"),
		SubscriptionID:    getString(data, "subscriptionId"),
		CancelAtPeriodEnd: getBool(data, "cancelAtPeriodEnd"),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
	if end := getTime(data, "currentPeriodEnd"); !end.IsZero() {
		sub.CurrentPeriodEnd = &end
	}
	return sub
}

func unavailable(op string, err error) error {
	return fmt.Errorf("firestore %s: %w: %w", op, kinelink.ErrStorageUnavailable, err)
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
