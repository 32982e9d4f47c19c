// Package postgres provides a PostgreSQL implementation of the kinelink storage interfaces.
// Subscription writes are version guarded inside a single upsert statement and
// rate limit windows are counted with one INSERT ... ON CONFLICT per request.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

//go:embed schema.sql
var schema string

// Storage implements kinelink.Storage, kinelink.RateLimitStore and
// kinelink.ConversationStore on top of a pgx connection pool
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger kinelink.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate creates the tables on startup when they are missing
	Migrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration
	EventRetention  time.Duration // how long processed webhook ids are kept

	Logger kinelink.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		EventRetention:  72 * time.Hour,
	}
}

// New connects to PostgreSQL and optionally applies the schema
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping", err)
	}

	s := &Storage{pool: pool, config: config, logger: config.Logger}
	if s.logger == nil {
		s.logger = &kinelink.NoopLogger{}
	}

	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.stopCleanup = cancel
	if config.CleanupEnabled && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Migrate creates every table and index used by the adapter
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close stops background cleanup and closes the connection pool
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

const subscriptionColumns = `kine_id, plan, status, current_period_end, customer_id,
	subscription_id, cancel_at_period_end, created_at, updated_at`

// GetSubscription implements kinelink.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, kineID string) (*kinelink.Subscription, error) {
	return s.querySubscription(ctx, "get subscription",
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE kine_id = $1`, kineID)
}

// GetSubscriptionByExternalID implements kinelink.SubscriptionStore
func (s *Storage) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*kinelink.Subscription, error) {
	if subscriptionID == "" {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	return s.querySubscription(ctx, "get subscription by external id",
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE subscription_id = $1
			ORDER BY updated_at DESC LIMIT 1`, subscriptionID)
}

// GetSubscriptionByCustomerID implements kinelink.SubscriptionStore
func (s *Storage) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*kinelink.Subscription, error) {
	if customerID == "" {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	return s.querySubscription(ctx, "get subscription by customer id",
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE customer_id = $1
			ORDER BY updated_at DESC LIMIT 1`, customerID)
}

func (s *Storage) querySubscription(ctx context.Context, op, sql string, arg string) (*kinelink.Subscription, error) {
	var sub kinelink.Subscription
	var status string
	var periodEnd *time.Time

	err := s.pool.QueryRow(ctx, sql, arg).Scan(
		&sub.KineID, &sub.Plan, &status, &periodEnd, &sub.CustomerID,
		&sub.SubscriptionID, &sub.CancelAtPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kinelink.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, unavailable(op, err)
	}

	sub.Status = kinelink.SubscriptionStatus(status)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	if periodEnd != nil {
		end := periodEnd.UTC()
		sub.CurrentPeriodEnd = &end
	}
	return &sub, nil
}

// UpsertSubscription implements kinelink.SubscriptionStore.
// The version check runs in the ON CONFLICT clause so concurrent writers
// are serialized by the row lock.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *kinelink.Subscription) (bool, error) {
	if sub == nil || sub.KineID == "" {
		return false, kinelink.ErrInvalidSubscription
	}

	updatedAt := sub.UpdatedAt.UTC().Truncate(time.Microsecond)
	createdAt := sub.CreatedAt.UTC().Truncate(time.Microsecond)
	if createdAt.IsZero() {
		createdAt = updatedAt
	}
	var periodEnd *time.Time
	if sub.CurrentPeriodEnd != nil {
		end := sub.CurrentPeriodEnd.UTC()
		periodEnd = &end
	}

	var kineID string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (kine_id) DO UPDATE SET
				plan = EXCLUDED.plan,
				status = EXCLUDED.status,
				current_period_end = EXCLUDED.current_period_end,
				customer_id = EXCLUDED.customer_id,
				subscription_id = EXCLUDED.subscription_id,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				updated_at = EXCLUDED.updated_at
			WHERE subscriptions.updated_at <= EXCLUDED.updated_at
			RETURNING kine_id`,
		sub.KineID, sub.Plan, string(sub.Status), periodEnd, sub.CustomerID,
		sub.SubscriptionID, sub.CancelAtPeriodEnd, createdAt, updatedAt,
	).Scan(&kineID)
	if errors.Is(err, pgx.ErrNoRows) {
		// stale write, the WHERE clause filtered the update
		return false, nil
	}
	if err != nil {
		return false, unavailable("upsert subscription", err)
	}
	return true, nil
}

// ClaimEvent implements kinelink.EventLedger
func (s *Storage) ClaimEvent(ctx context.Context, ev *kinelink.ProcessedEvent) (bool, error) {
	if ev == nil || ev.ID == "" {
		return false, kinelink.ErrInvalidEvent
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (id, type, provider, received_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, ev.Provider, receivedAt.UTC())
	if err != nil {
		return false, unavailable("claim event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseEvent implements kinelink.EventLedger
func (s *Storage) ReleaseEvent(ctx context.Context, eventID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE id = $1`, eventID); err != nil {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO referrals (referred_kine_id, referrer_kine_id) VALUES ($1, $2)
			ON CONFLICT (referred_kine_id) DO UPDATE SET referrer_kine_id = EXCLUDED.referrer_kine_id`,
		referredKineID, referrerKineID)
	if err != nil {
		return unavailable("set referrer", err)
	}
	return nil
}

// GetReferrer implements kinelink.ReferralStore
func (s *Storage) GetReferrer(ctx context.Context, referredKineID string) (string, error) {
	var referrer string
	err := s.pool.QueryRow(ctx,
		`SELECT referrer_kine_id FROM referrals WHERE referred_kine_id = $1`,
		referredKineID).Scan(&referrer)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", kinelink.ErrReferrerNotFound
	}
	if err != nil {
		return "", unavailable("get referrer", err)
	}
	return referrer, nil
}

// AddReferralCredit implements kinelink.ReferralStore.
// The invoice id is the primary key, a second credit for the same invoice is a no-op.
func (s *Storage) AddReferralCredit(ctx context.Context, credit *kinelink.ReferralCredit) (bool, error) {
	if credit == nil || credit.InvoiceID == "" {
		return false, fmt.Errorf("referral credit requires an invoice id")
	}
	id := credit.ID
	if id == "" {
		id = uuid.NewString()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO referral_credits
				(invoice_id, id, referrer_kine_id, referred_kine_id, months, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (invoice_id) DO NOTHING`,
		credit.InvoiceID, id, credit.ReferrerKineID, credit.ReferredKineID,
		credit.Months, credit.CreatedAt.UTC())
	if err != nil {
		return false, unavailable("add referral credit", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListReferralCredits implements kinelink.ReferralStore
func (s *Storage) ListReferralCredits(ctx context.Context, referrerKineID string) ([]kinelink.ReferralCredit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, referrer_kine_id, referred_kine_id, invoice_id, months, created_at
			FROM referral_credits WHERE referrer_kine_id = $1
			ORDER BY created_at ASC`,
		referrerKineID)
	if err != nil {
		return nil, unavailable("list referral credits", err)
	}

	credits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (kinelink.ReferralCredit, error) {
		var c kinelink.ReferralCredit
		err := row.Scan(&c.ID, &c.ReferrerKineID, &c.ReferredKineID, &c.InvoiceID, &c.Months, &c.CreatedAt)
		c.CreatedAt = c.CreatedAt.UTC()
		return c, err
	})
	if err != nil {
		return nil, unavailable("list referral credits", err)
	}
	return credits, nil
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, kine_id, kind, message, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
		id, n.KineID, string(n.Kind), n.Message, n.CreatedAt.UTC())
	if err != nil {
		return unavailable("add notification", err)
	}
	return nil
}

// ListNotifications implements kinelink.NotificationStore
func (s *Storage) ListNotifications(ctx context.Context, kineID string) ([]kinelink.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kine_id, kind, message, created_at
			FROM notifications WHERE kine_id = $1 ORDER BY seq ASC`,
		kineID)
	if err != nil {
		return nil, unavailable("list notifications", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (kinelink.Notification, error) {
		var n kinelink.Notification
		var kind string
		err := row.Scan(&n.ID, &n.KineID, &kind, &n.Message, &n.CreatedAt)
		n.Kind = kinelink.NotificationKind(kind)
		n.CreatedAt = n.CreatedAt.UTC()
		return n, err
	})
	if err != nil {
		return nil, unavailable("list notifications", err)
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO message_history (id, method, recipient, template, provider_message_id, sent_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
		id, rec.Method, rec.Recipient, rec.Template, rec.ProviderMessageID, rec.SentAt.UTC())
	if err != nil {
		return unavailable("record message", err)
	}
	return nil
}

// ListMessages implements kinelink.MessageHistoryStore
func (s *Storage) ListMessages(ctx context.Context, recipient string) ([]kinelink.MessageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, method, recipient, template, provider_message_id, sent_at
			FROM message_history WHERE recipient = $1 ORDER BY seq ASC`,
		recipient)
	if err != nil {
		return nil, unavailable("list messages", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (kinelink.MessageRecord, error) {
		var m kinelink.MessageRecord
		err := row.Scan(&m.ID, &m.Method, &m.Recipient, &m.Template, &m.ProviderMessageID, &m.SentAt)
		m.SentAt = m.SentAt.UTC()
		return m, err
	})
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	return out, nil
}

// AppendTurn implements kinelink.ConversationStore
func (s *Storage) AppendTurn(ctx context.Context, conversationID string, turn kinelink.ConversationTurn) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_turns (conversation_id, role, content, created_at)
			VALUES ($1, $2, $3, $4)`,
		conversationID, turn.Role, turn.Content, turn.CreatedAt.UTC())
	if err != nil {
		return unavailable("append turn", err)
	}
	return nil
}

// ListTurns implements kinelink.ConversationStore
func (s *Storage) ListTurns(ctx context.Context, conversationID string, limit int) ([]kinelink.ConversationTurn, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT role, content, created_at FROM (
				SELECT seq, role, content, created_at FROM conversation_turns
				WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
			) recent ORDER BY seq ASC`,
			conversationID, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT role, content, created_at FROM conversation_turns
				WHERE conversation_id = $1 ORDER BY seq ASC`,
			conversationID)
	}
	if err != nil {
		return nil, unavailable("list turns", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (kinelink.ConversationTurn, error) {
		var t kinelink.ConversationTurn
		err := row.Scan(&t.Role, &t.Content, &t.CreatedAt)
		t.CreatedAt = t.CreatedAt.UTC()
		return t, err
	})
	if err != nil {
		return nil, unavailable("list turns", err)
	}
	return turns, nil
}

// IncrementWindow implements kinelink.RateLimitStore.
// The reset and the increment happen in one statement under the row lock.
func (s *Storage) IncrementWindow(ctx context.Context, req *kinelink.RateLimitRequest) (*kinelink.RateLimitInfo, error) {
	if req == nil || req.Window <= 0 || req.Max <= 0 {
		return nil, kinelink.ErrInvalidPolicy
	}
	now := req.Now.UTC().Truncate(time.Microsecond)
	resetAt := now.Add(req.Window)

	var count int
	var windowEnd time.Time
	err := s.pool.QueryRow(ctx,
		`INSERT INTO rate_limit_windows (class, key, count, reset_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (class, key) DO UPDATE SET
				count = CASE WHEN rate_limit_windows.reset_at <= $4
					THEN 1 ELSE rate_limit_windows.count + 1 END,
				reset_at = CASE WHEN rate_limit_windows.reset_at <= $4
					THEN EXCLUDED.reset_at ELSE rate_limit_windows.reset_at END
			RETURNING count, reset_at`,
		req.Class, req.Key, resetAt, now,
	).Scan(&count, &windowEnd)
	if err != nil {
		return nil, unavailable("increment window", err)
	}
	return kinelink.FixedWindow(count, req.Max, windowEnd.UTC()), nil
}

// Cleanup deletes elapsed rate limit windows and ledger entries older than retention
func (s *Storage) Cleanup(ctx context.Context, now time.Time, retention time.Duration) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM rate_limit_windows WHERE reset_at <= $1`, now.UTC()); err != nil {
		return unavailable("cleanup windows", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE received_at < $1`, now.Add(-retention).UTC()); err != nil {
		return unavailable("cleanup events", err)
	}
	return nil
}

func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx, time.Now(), s.config.EventRetention); err != nil {
				s.logger.Warn("postgres cleanup failed", kinelink.F("error", err))
			}
		}
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("postgres %s: %w: %w", op, kinelink.ErrStorageUnavailable, err)
}
