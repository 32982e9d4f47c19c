// Package redis provides a Redis implementation of the kinelink storage interfaces.
// Writes that must be atomic (guarded subscription upserts, referral credits,
// fixed-window counters) run as Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// Storage implements kinelink.Storage, kinelink.RateLimitStore and
// kinelink.ConversationStore using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "kinelink:")
	KeyPrefix string

	// EventTTL is how long processed webhook event ids are kept (default: 72h)
	EventTTL time.Duration

	// ConversationTTL expires idle assistant conversations (0 = no expiration)
	ConversationTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "kinelink:",
		EventTTL:        72 * time.Hour,
		ConversationTTL: 30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "kinelink:"
	}
	if config.EventTTL == 0 {
		config.EventTTL = 72 * time.Hour
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	// Load Lua scripts
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Fixed window counter. Times are unix milliseconds; ARGV[3] is the reset
	// time of a window opened now.
	s.scripts["fixedWindow"] = redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])

		local reset = redis.call('HGET', key, 'reset')
		if not reset or tonumber(reset) <= now then
			reset = ARGV[3]
			redis.call('HSET', key, 'count', 0, 'reset', reset)
			redis.call('PEXPIRE', key, ARGV[2])
		end

		local count = redis.call('HINCRBY', key, 'count', 1)
		return {count, reset}
	`)

	// Guarded subscription upsert. updated is unix microseconds.
	s.scripts["upsertSubscription"] = redis.NewScript(`
		local key = KEYS[1]
		local data = ARGV[1]
		local updated = tonumber(ARGV[2])
		local created = ARGV[3]

		local current = redis.call('HGET', key, 'updated')
		if current and tonumber(current) > updated then
			return 0
		end

		redis.call('HSET', key, 'data', data, 'updated', ARGV[2])
		redis.call('HSETNX', key, 'created', created)
		return 1
	`)

	// Append to a list at most once per marker key: referral credits per
	// invoice, notifications per id
	s.scripts["pushOnce"] = redis.NewScript(`
		local markerKey = KEYS[1]
		local listKey = KEYS[2]

		if redis.call('SETNX', markerKey, ARGV[1]) == 0 then
			return 0
		end
		redis.call('RPUSH', listKey, ARGV[1])
		return 1
	`)
}

// unavailable marks a Redis failure as a storage outage
func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, kinelink.ErrStorageUnavailable, err)
}

// subscriptionRecord is the JSON stored in the "data" field of a subscription hash
type subscriptionRecord struct {
	KineID            string     `json:"kine_id"`
	Plan              string     `json:"plan"`
	Status            string     `json:"status"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CustomerID        string     `json:"customer_id,omitempty"`
	SubscriptionID    string     `json:"subscription_id,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// GetSubscription implements kinelink.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, kineID string) (*kinelink.Subscription, error) {
	vals, err := s.client.HMGet(ctx, s.subscriptionKey(kineID), "data", "created").Result()
	if err != nil {
		return nil, unavailable("get subscription", err)
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, kinelink.ErrSubscriptionNotFound
	}

	var rec subscriptionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	sub := &kinelink.Subscription{
		KineID:            rec.KineID,
		Plan:              rec.Plan,
		Status:            kinelink.SubscriptionStatus(rec.Status),
		CurrentPeriodEnd:  rec.CurrentPeriodEnd,
		CustomerID:        rec.CustomerID,
		SubscriptionID:    rec.SubscriptionID,
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
		UpdatedAt:         rec.UpdatedAt,
	}
	if created, ok := vals[1].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			sub.CreatedAt = t
		}
	}
	return sub, nil
}

// GetSubscriptionByExternalID implements kinelink.SubscriptionStore
func (s *Storage) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*kinelink.Subscription, error) {
	if subscriptionID == "" {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	return s.getByIndex(ctx, s.externalIndexKey(subscriptionID))
}

// GetSubscriptionByCustomerID implements kinelink.SubscriptionStore
func (s *Storage) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*kinelink.Subscription, error) {
	if customerID == "" {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	return s.getByIndex(ctx, s.customerIndexKey(customerID))
}

func (s *Storage) getByIndex(ctx context.Context, indexKey string) (*kinelink.Subscription, error) {
	kineID, err := s.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, unavailable("get subscription index", err)
	}
	return s.GetSubscription(ctx, kineID)
}

// UpsertSubscription implements kinelink.SubscriptionStore
func (s *Storage) UpsertSubscription(ctx context.Context, sub *kinelink.Subscription) (bool, error) {
	if sub == nil || sub.KineID == "" {
		return false, kinelink.ErrInvalidSubscription
	}

	data, err := json.Marshal(subscriptionRecord{
		KineID:            sub.KineID,
		Plan:              sub.Plan,
		Status:            string(sub.Status),
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CustomerID:        sub.CustomerID,
		SubscriptionID:    sub.SubscriptionID,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		UpdatedAt:         sub.UpdatedAt.UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal subscription: %w", err)
	}

	created := sub.CreatedAt
	if created.IsZero() {
		created = sub.UpdatedAt
	}

	applied, err := s.scripts["upsertSubscription"].Run(ctx, s.client,
		[]string{s.subscriptionKey(sub.KineID)},
		string(data),
		strconv.FormatInt(sub.UpdatedAt.UnixMicro(), 10),
		created.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, unavailable("upsert subscription", err)
	}
	if applied == 0 {
		return false, nil
	}

	// Lookup indexes point at the kiné id; a stale pointer only costs a miss
	pipe := s.client.Pipeline()
	if sub.SubscriptionID != "" {
		pipe.Set(ctx, s.externalIndexKey(sub.SubscriptionID), sub.KineID, 0)
	}
	if sub.CustomerID != "" {
		pipe.Set(ctx, s.customerIndexKey(sub.CustomerID), sub.KineID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return true, unavailable("index subscription", err)
	}
	return true, nil
}

// ClaimEvent implements kinelink.EventLedger. Entries expire after EventTTL.
func (s *Storage) ClaimEvent(ctx context.Context, ev *kinelink.ProcessedEvent) (bool, error) {
	if ev == nil || ev.ID == "" {
		return false, kinelink.ErrInvalidEvent
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("failed to marshal event: %w", err)
	}
	claimed, err := s.client.SetNX(ctx, s.eventKey(ev.ID), data, s.config.EventTTL).Result()
	if err != nil {
		return false, unavailable("claim event", err)
	}
	return claimed, nil
}

// ReleaseEvent implements kinelink.EventLedger
func (s *Storage) ReleaseEvent(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, s.eventKey(eventID)).Err(); err != nil {
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
	if err := s.client.Set(ctx, s.referrerKey(referredKineID), referrerKineID, 0).Err(); err != nil {
		return unavailable("set referrer", err)
	}
	return nil
}

// GetReferrer implements kinelink.ReferralStore
func (s *Storage) GetReferrer(ctx context.Context, referredKineID string) (string, error) {
	referrer, err := s.client.Get(ctx, s.referrerKey(referredKineID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", kinelink.ErrReferrerNotFound
	}
	if err != nil {
		return "", unavailable("get referrer", err)
	}
	return referrer, nil
}

// AddReferralCredit implements kinelink.ReferralStore
func (s *Storage) AddReferralCredit(ctx context.Context, credit *kinelink.ReferralCredit) (bool, error) {
	if credit == nil || credit.InvoiceID == "" {
		return false, fmt.Errorf("referral credit requires an invoice id")
	}

	data, err := json.Marshal(credit)
	if err != nil {
		return false, fmt.Errorf("failed to marshal referral credit: %w", err)
	}
	created, err := s.scripts["pushOnce"].Run(ctx, s.client,
		[]string{s.creditKey(credit.InvoiceID), s.creditListKey(credit.ReferrerKineID)},
		string(data),
	).Int()
	if err != nil {
		return false, unavailable("add referral credit", err)
	}
	return created == 1, nil
}

// ListReferralCredits implements kinelink.ReferralStore
func (s *Storage) ListReferralCredits(ctx context.Context, referrerKineID string) ([]kinelink.ReferralCredit, error) {
	return listJSON[kinelink.ReferralCredit](ctx, s, s.creditListKey(referrerKineID), 0, "list referral credits")
}

// AddNotification implements kinelink.NotificationStore.
// A notification whose ID is already stored is not added again.
func (s *Storage) AddNotification(ctx context.Context, n *kinelink.Notification) error {
	if n == nil || n.KineID == "" {
		return fmt.Errorf("notification requires a kiné id")
	}
	if n.ID == "" {
		return s.push(ctx, s.notificationKey(n.KineID), n, 0, "add notification")
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	err = s.scripts["pushOnce"].Run(ctx, s.client,
		[]string{s.notificationIDKey(n.ID), s.notificationKey(n.KineID)},
		string(data),
	).Err()
	if err != nil {
		return unavailable("add notification", err)
	}
	return nil
}

// ListNotifications implements kinelink.NotificationStore
func (s *Storage) ListNotifications(ctx context.Context, kineID string) ([]kinelink.Notification, error) {
	return listJSON[kinelink.Notification](ctx, s, s.notificationKey(kineID), 0, "list notifications")
}

// RecordMessage implements kinelink.MessageHistoryStore
func (s *Storage) RecordMessage(ctx context.Context, rec *kinelink.MessageRecord) error {
	if rec == nil || rec.Recipient == "" {
		return fmt.Errorf("message record requires a recipient")
	}
	return s.push(ctx, s.messageKey(rec.Recipient), rec, 0, "record message")
}

// ListMessages implements kinelink.MessageHistoryStore
func (s *Storage) ListMessages(ctx context.Context, recipient string) ([]kinelink.MessageRecord, error) {
	return listJSON[kinelink.MessageRecord](ctx, s, s.messageKey(recipient), 0, "list messages")
}

// AppendTurn implements kinelink.ConversationStore
func (s *Storage) AppendTurn(ctx context.Context, conversationID string, turn kinelink.ConversationTurn) error {
	return s.push(ctx, s.conversationKey(conversationID), turn, s.config.ConversationTTL, "append turn")
}

// ListTurns implements kinelink.ConversationStore
func (s *Storage) ListTurns(ctx context.Context, conversationID string, limit int) ([]kinelink.ConversationTurn, error) {
	return listJSON[kinelink.ConversationTurn](ctx, s, s.conversationKey(conversationID), limit, "list turns")
}

// IncrementWindow implements kinelink.RateLimitStore
func (s *Storage) IncrementWindow(ctx context.Context, req *kinelink.RateLimitRequest) (*kinelink.RateLimitInfo, error) {
	if req == nil || req.Window <= 0 || req.Max <= 0 {
		return nil, kinelink.ErrInvalidPolicy
	}

	result, err := s.scripts["fixedWindow"].Run(ctx, s.client,
		[]string{s.rateLimitKey(req.Class, req.Key)},
		req.Now.UnixMilli(),
		req.Window.Milliseconds(),
		req.Now.Add(req.Window).UnixMilli(),
	).Slice()
	if err != nil {
		return nil, unavailable("increment window", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected fixed window result: %v", result)
	}
	count, err := toInt64(result[0])
	if err != nil {
		return nil, err
	}
	reset, err := toInt64(result[1])
	if err != nil {
		return nil, err
	}
	return kinelink.FixedWindow(int(count), req.Max, time.UnixMilli(reset).UTC()), nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected script value %T", v)
	}
}

func (s *Storage) push(ctx context.Context, key string, v interface{}, ttl time.Duration, op string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", op, err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(op, err)
	}
	return nil
}

// listJSON reads a list of JSON values. limit > 0 returns the last limit entries.
func listJSON[T any](ctx context.Context, s *Storage, key string, limit int, op string) ([]T, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, unavailable(op, err)
	}

	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var v T
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s entry: %w", op, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Key generation helpers

func (s *Storage) subscriptionKey(kineID string) string {
	return fmt.Sprintf("%ssub:%s", s.config.KeyPrefix, kineID)
}

func (s *Storage) externalIndexKey(subscriptionID string) string {
	return fmt.Sprintf("%ssub_ext:%s", s.config.KeyPrefix, subscriptionID)
}

func (s *Storage) customerIndexKey(customerID string) string {
	return fmt.Sprintf("%ssub_cus:%s", s.config.KeyPrefix, customerID)
}

func (s *Storage) eventKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, eventID)
}

func (s *Storage) referrerKey(kineID string) string {
	return fmt.Sprintf("%sreferrer:%s", s.config.KeyPrefix, kineID)
}

func (s *Storage) creditKey(invoiceID string) string {
	return fmt.Sprintf("%scredit:%s", s.config.KeyPrefix, invoiceID)
}

func (s *Storage) creditListKey(referrerKineID string) string {
	return fmt.Sprintf("%scredits:%s", s.config.KeyPrefix, referrerKineID)
}

func (s *Storage) notificationKey(kineID string) string {
	return fmt.Sprintf("%snotifications:%s", s.config.KeyPrefix, kineID)
}

func (s *Storage) notificationIDKey(id string) string {
	return fmt.Sprintf("%snotification_id:%s", s.config.KeyPrefix, id)
}

func (s *Storage) messageKey(recipient string) string {
	return fmt.Sprintf("%smessages:%s", s.config.KeyPrefix, recipient)
}

func (s *Storage) conversationKey(conversationID string) string {
	return fmt.Sprintf("%sconversation:%s", s.config.KeyPrefix, conversationID)
}

func (s *Storage) rateLimitKey(class, key string) string {
	return fmt.Sprintf("%sratelimit:%s:%s", s.config.KeyPrefix, class, key)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
