package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// setupTestStorage connects to the database named by POSTGRES_TEST_DSN
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx := context.Background()
	config := DefaultConfig()
	config.ConnectionString = dsn
	config.CleanupEnabled = false

	storage, err := New(ctx, config)
	if err != nil {
		t.Skipf("Skipping test: failed to connect to PostgreSQL: %v", err)
	}
	t.Cleanup(storage.Close)

	_, err = storage.pool.Exec(ctx, `TRUNCATE TABLE subscriptions, processed_events, referrals,
		referral_credits, notifications, message_history, conversation_turns, rate_limit_windows`)
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
	return storage
}

func TestNew_RequiresConnectionString(t *testing.T) {
	_, err := New(context.Background(), DefaultConfig())
	if err == nil {
		t.Fatal("expected error for empty connection string")
	}
}

func TestStorage_UpsertSubscription(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.GetSubscription(ctx, "kine1")
	if !errors.Is(err, kinelink.ErrSubscriptionNotFound) {
		t.Fatalf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	end := t0.AddDate(0, 1, 0)
	applied, err := storage.UpsertSubscription(ctx, &kinelink.Subscription{
		KineID:           "kine1",
		Plan:             "pro",
		Status:           kinelink.StatusActive,
		CurrentPeriodEnd: &end,
		CustomerID:       "cus_1",
		SubscriptionID:   "sub_1",
		UpdatedAt:        t0,
	})
	if err != nil || !applied {
		t.Fatalf("UpsertSubscription = %v, %v", applied, err)
	}

	sub, err := storage.GetSubscription(ctx, "kine1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Plan != "pro" || sub.Status != kinelink.StatusActive {
		t.Errorf("unexpected subscription: %+v", sub)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(end) {
		t.Errorf("CurrentPeriodEnd = %v, want %v", sub.CurrentPeriodEnd, end)
	}
	if !sub.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", sub.CreatedAt, t0)
	}

	byExt, err := storage.GetSubscriptionByExternalID(ctx, "sub_1")
	if err != nil || byExt.KineID != "kine1" {
		t.Errorf("GetSubscriptionByExternalID = %+v, %v", byExt, err)
	}
	byCus, err := storage.GetSubscriptionByCustomerID(ctx, "cus_1")
	if err != nil || byCus.KineID != "kine1" {
		t.Errorf("GetSubscriptionByCustomerID = %+v, %v", byCus, err)
	}
	if _, err := storage.GetSubscriptionByExternalID(ctx, ""); !errors.Is(err, kinelink.ErrSubscriptionNotFound) {
		t.Errorf("empty external id: got %v", err)
	}

	t1 := t0.Add(time.Hour)
	applied, err = storage.UpsertSubscription(ctx, &kinelink.Subscription{
		KineID:            "kine1",
		Plan:              "pro",
		Status:            kinelink.StatusActive,
		CancelAtPeriodEnd: true,
		CustomerID:        "cus_1",
		SubscriptionID:    "sub_1",
		UpdatedAt:         t1,
	})
	if err != nil || !applied {
		t.Fatalf("second UpsertSubscription = %v, %v", applied, err)
	}

	sub, _ = storage.GetSubscription(ctx, "kine1")
	if !sub.CancelAtPeriodEnd {
		t.Error("CancelAtPeriodEnd should be set")
	}
	if sub.CurrentPeriodEnd != nil {
		t.Errorf("CurrentPeriodEnd should be cleared, got %v", sub.CurrentPeriodEnd)
	}
	if !sub.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt changed to %v", sub.CreatedAt)
	}
	if !sub.UpdatedAt.Equal(t1) {
		t.Errorf("UpdatedAt = %v, want %v", sub.UpdatedAt, t1)
	}
}

func TestStorage_UpsertSubscription_StaleWriteIgnored(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if _, err := storage.UpsertSubscription(ctx, &kinelink.Subscription{
		KineID: "kine1", Status: kinelink.StatusCanceled, UpdatedAt: t0,
	}); err != nil {
		t.Fatal(err)
	}

	applied, err := storage.UpsertSubscription(ctx, &kinelink.Subscription{
		KineID: "kine1", Status: kinelink.StatusActive, UpdatedAt: t0.Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("older write should not be applied")
	}

	applied, err = storage.UpsertSubscription(ctx, &kinelink.Subscription{
		KineID: "kine1", Status: kinelink.StatusPastDue, UpdatedAt: t0,
	})
	if err != nil || !applied {
		t.Errorf("equal timestamp should apply: %v, %v", applied, err)
	}

	sub, _ := storage.GetSubscription(ctx, "kine1")
	if sub.Status != kinelink.StatusPastDue {
		t.Errorf("Status = %s, want %s", sub.Status, kinelink.StatusPastDue)
	}
}

func TestStorage_UpsertSubscription_Invalid(t *testing.T) {
	storage := setupTestStorage(t)
	if _, err := storage.UpsertSubscription(context.Background(), &kinelink.Subscription{}); !errors.Is(err, kinelink.ErrInvalidSubscription) {
		t.Errorf("expected ErrInvalidSubscription, got %v", err)
	}
}

func TestStorage_ClaimEvent(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	ev := &kinelink.ProcessedEvent{ID: "evt_1", Type: "invoice.paid", Provider: "stripe", ReceivedAt: time.Now()}

	claimed, err := storage.ClaimEvent(ctx, ev)
	if err != nil || !claimed {
		t.Fatalf("first claim = %v, %v", claimed, err)
	}
	claimed, err = storage.ClaimEvent(ctx, ev)
	if err != nil || claimed {
		t.Fatalf("second claim = %v, %v", claimed, err)
	}

	if err := storage.ReleaseEvent(ctx, "evt_1"); err != nil {
		t.Fatal(err)
	}
	claimed, _ = storage.ClaimEvent(ctx, ev)
	if !claimed {
		t.Error("released event should be claimable again")
	}

	if _, err := storage.ClaimEvent(ctx, &kinelink.ProcessedEvent{}); !errors.Is(err, kinelink.ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestStorage_ClaimEvent_Concurrent(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := storage.ClaimEvent(ctx, &kinelink.ProcessedEvent{ID: "evt_race", ReceivedAt: time.Now()})
			if err != nil {
				t.Errorf("ClaimEvent failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one claim, got %d", wins)
	}
}

func TestStorage_ReferralCredits(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.GetReferrer(ctx, "kine2"); !errors.Is(err, kinelink.ErrReferrerNotFound) {
		t.Fatalf("expected ErrReferrerNotFound, got %v", err)
	}
	if err := storage.SetReferrer(ctx, "kine2", "kine2"); err == nil {
		t.Error("self referral should fail")
	}
	if err := storage.SetReferrer(ctx, "kine2", "kine1"); err != nil {
		t.Fatal(err)
	}
	referrer, err := storage.GetReferrer(ctx, "kine2")
	if err != nil || referrer != "kine1" {
		t.Fatalf("GetReferrer = %q, %v", referrer, err)
	}

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, invoice := range []string{"in_1", "in_2", "in_1"} {
		_, err := storage.AddReferralCredit(ctx, &kinelink.ReferralCredit{
			ReferrerKineID: "kine1",
			ReferredKineID: "kine2",
			InvoiceID:      invoice,
			Months:         1,
			CreatedAt:      base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	credits, err := storage.ListReferralCredits(ctx, "kine1")
	if err != nil {
		t.Fatal(err)
	}
	if len(credits) != 2 {
		t.Fatalf("expected 2 credits, got %d", len(credits))
	}
	if credits[0].InvoiceID != "in_1" || credits[1].InvoiceID != "in_2" {
		t.Errorf("credits out of order: %+v", credits)
	}
	if credits[0].ID == "" {
		t.Error("credit id should be generated")
	}
}

func TestStorage_NotificationsAndMessages(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		err := storage.AddNotification(ctx, &kinelink.Notification{
			KineID:    "kine1",
			Kind:      kinelink.NotificationPaymentSucceeded,
			Message:   fmt.Sprintf("payment %d", i),
			CreatedAt: now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	notes, err := storage.ListNotifications(ctx, "kine1")
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 3 || notes[2].Message != "payment 2" {
		t.Errorf("unexpected notifications: %+v", notes)
	}

	err = storage.RecordMessage(ctx, &kinelink.MessageRecord{
		ID: "msg1", Method: "whatsapp", Recipient: "+33612345678",
		Template: "welcome", ProviderMessageID: "wamid.1", SentAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := storage.ListMessages(ctx, "+33612345678")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ProviderMessageID != "wamid.1" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}

func TestStorage_AddNotificationSameIDOnce(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := storage.AddNotification(ctx, &kinelink.Notification{
			ID:        "evt_1:payment_succeeded",
			KineID:    "kine1",
			Kind:      kinelink.NotificationPaymentSucceeded,
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	notes, err := storage.ListNotifications(ctx, "kine1")
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 {
		t.Errorf("expected 1 notification, got %d", len(notes))
	}
}

func TestStorage_Conversations(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		err := storage.AppendTurn(ctx, "kine1:c1", kinelink.ConversationTurn{
			Role: "user", Content: fmt.Sprintf("m%d", i), CreatedAt: now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	all, err := storage.ListTurns(ctx, "kine1:c1", 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("ListTurns(0) = %d turns, %v", len(all), err)
	}
	last, err := storage.ListTurns(ctx, "kine1:c1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 2 || last[0].Content != "m3" || last[1].Content != "m4" {
		t.Errorf("ListTurns(2) = %+v", last)
	}
	empty, _ := storage.ListTurns(ctx, "kine1:other", 10)
	if len(empty) != 0 {
		t.Errorf("expected no turns, got %d", len(empty))
	}
}

func TestStorage_IncrementWindow(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	req := &kinelink.RateLimitRequest{Class: "checkout", Key: "sub:kine1", Window: time.Minute, Max: 2, Now: now}
	for i := 1; i <= 3; i++ {
		info, err := storage.IncrementWindow(ctx, req)
		if err != nil {
			t.Fatal(err)
		}
		if info.Count != i {
			t.Errorf("request %d: Count = %d", i, info.Count)
		}
		if !info.ResetTime.Equal(now.Add(time.Minute)) {
			t.Errorf("request %d: ResetTime = %v", i, info.ResetTime)
		}
	}

	req.Now = now.Add(time.Minute)
	info, err := storage.IncrementWindow(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if info.Count != 1 || info.Remaining != 1 {
		t.Errorf("after reset: %+v", info)
	}

	other := &kinelink.RateLimitRequest{Class: "checkout", Key: "sub:kine2", Window: time.Minute, Max: 2, Now: now}
	info, _ = storage.IncrementWindow(ctx, other)
	if info.Count != 1 {
		t.Errorf("keys should be independent, got count %d", info.Count)
	}

	if _, err := storage.IncrementWindow(ctx, &kinelink.RateLimitRequest{Window: 0, Max: 1}); !errors.Is(err, kinelink.ErrInvalidPolicy) {
		t.Errorf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestStorage_IncrementWindow_Concurrent(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := storage.IncrementWindow(ctx, &kinelink.RateLimitRequest{
				Class: "ai_chat", Key: "sub:kine1", Window: time.Minute, Max: 5, Now: now,
			})
			if err != nil {
				t.Errorf("IncrementWindow failed: %v", err)
				return
			}
			if info.Count <= info.Limit {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 5 {
		t.Errorf("expected 5 allowed requests, got %d", allowed)
	}
}

func TestStorage_Cleanup(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	_, _ = storage.ClaimEvent(ctx, &kinelink.ProcessedEvent{ID: "old", ReceivedAt: now.Add(-100 * time.Hour)})
	_, _ = storage.ClaimEvent(ctx, &kinelink.ProcessedEvent{ID: "new", ReceivedAt: now.Add(-time.Hour)})
	_, _ = storage.IncrementWindow(ctx, &kinelink.RateLimitRequest{
		Class: "c", Key: "k", Window: time.Minute, Max: 1, Now: now.Add(-2 * time.Minute),
	})

	if err := storage.Cleanup(ctx, now, 72*time.Hour); err != nil {
		t.Fatal(err)
	}

	if ok, _ := storage.ClaimEvent(ctx, &kinelink.ProcessedEvent{ID: "old", ReceivedAt: now}); !ok {
		t.Error("old event should have been removed")
	}
	if ok, _ := storage.ClaimEvent(ctx, &kinelink.ProcessedEvent{ID: "new", ReceivedAt: now}); ok {
		t.Error("recent event should be kept")
	}

	var windows int
	if err := storage.pool.QueryRow(ctx, `SELECT count(*) FROM rate_limit_windows`).Scan(&windows); err != nil {
		t.Fatal(err)
	}
	if windows != 0 {
		t.Errorf("expected elapsed windows to be removed, %d left", windows)
	}
}
