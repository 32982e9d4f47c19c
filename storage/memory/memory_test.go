package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

func TestStorage_UpsertSubscription(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetSubscription(ctx, "kine1")
	if err != kinelink.ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
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
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := storage.GetSubscription(ctx, "kine1")
	require.NoError(t, err)
	assert.Equal(t, "pro", got.Plan)
	assert.Equal(t, t0, got.CreatedAt)
	assert.Equal(t, end, *got.CurrentPeriodEnd)

	byExt, err := storage.GetSubscriptionByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "kine1", byExt.KineID)

	byCus, err := storage.GetSubscriptionByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "kine1", byCus.KineID)
}

func TestStorage_UpsertSubscription_StaleWriteIgnored(t *testing.T) {
	storage := New()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	_, err := storage.UpsertSubscription(ctx, &kinelink.Subscription{
		KineID: "kine1", Status: kinelink.StatusCanceled, UpdatedAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)

	// older event delivered late
	applied, err := storage.UpsertSubscription(ctx, &kinelink.Subscription{
		KineID: "kine1", Status: kinelink.StatusActive, UpdatedAt: t0,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := storage.GetSubscription(ctx, "kine1")
	require.NoError(t, err)
	assert.Equal(t, kinelink.StatusCanceled, got.Status)

	// events from the same second apply in arrival order
	applied, err = storage.UpsertSubscription(ctx, &kinelink.Subscription{
		KineID: "kine1", Status: kinelink.StatusPastDue, UpdatedAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestStorage_UpsertSubscription_Invalid(t *testing.T) {
	storage := New()
	_, err := storage.UpsertSubscription(context.Background(), &kinelink.Subscription{})
	assert.ErrorIs(t, err, kinelink.ErrInvalidSubscription)
}

func TestStorage_ReturnsCopies(t *testing.T) {
	storage := New()
	ctx := context.Background()
	end := time.Now().UTC()
	_, err := storage.UpsertSubscription(ctx, &kinelink.Subscription{
		KineID: "kine1", Plan: "pro", CurrentPeriodEnd: &end, UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	got, _ := storage.GetSubscription(ctx, "kine1")
	got.Plan = "mutated"
	*got.CurrentPeriodEnd = end.Add(time.Hour)

	again, _ := storage.GetSubscription(ctx, "kine1")
	assert.Equal(t, "pro", again.Plan)
	assert.Equal(t, end, *again.CurrentPeriodEnd)
}

func TestStorage_ClaimEvent(t *testing.T) {
	storage := New()
	ctx := context.Background()
	ev := &kinelink.ProcessedEvent{ID: "evt_1", Type: "invoice.payment_failed", ReceivedAt: time.Now()}

	claimed, err := storage.ClaimEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = storage.ClaimEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, storage.ReleaseEvent(ctx, "evt_1"))
	claimed, err = storage.ClaimEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, claimed)

	_, err = storage.ClaimEvent(ctx, &kinelink.ProcessedEvent{})
	assert.ErrorIs(t, err, kinelink.ErrInvalidEvent)
}

func TestStorage_ClaimEvent_Concurrent(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := storage.ClaimEvent(ctx, &kinelink.ProcessedEvent{ID: "evt_same"})
			if err == nil && ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)
}

func TestStorage_ReferralCredits(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetReferrer(ctx, "kine2")
	assert.ErrorIs(t, err, kinelink.ErrReferrerNotFound)

	require.NoError(t, storage.SetReferrer(ctx, "kine2", "kine1"))
	assert.Error(t, storage.SetReferrer(ctx, "kine1", "kine1"))

	referrer, err := storage.GetReferrer(ctx, "kine2")
	require.NoError(t, err)
	assert.Equal(t, "kine1", referrer)

	credit := &kinelink.ReferralCredit{
		ID: "c1", ReferrerKineID: "kine1", ReferredKineID: "kine2", InvoiceID: "in_1", Months: 1,
	}
	created, err := storage.AddReferralCredit(ctx, credit)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = storage.AddReferralCredit(ctx, credit)
	require.NoError(t, err)
	assert.False(t, created)

	credits, err := storage.ListReferralCredits(ctx, "kine1")
	require.NoError(t, err)
	assert.Len(t, credits, 1)
}

func TestStorage_NotificationsAndMessages(t *testing.T) {
	storage := New()
	ctx := context.Background()

	require.NoError(t, storage.AddNotification(ctx, &kinelink.Notification{
		ID: "n1", KineID: "kine1", Kind: kinelink.NotificationPaymentFailed,
	}))
	list, err := storage.ListNotifications(ctx, "kine1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, storage.RecordMessage(ctx, &kinelink.MessageRecord{
		ID: "m1", Method: "whatsapp", Recipient: "33612345678", Template: "rich",
	}))
	msgs, err := storage.ListMessages(ctx, "33612345678")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestStorage_AddNotificationSameIDOnce(t *testing.T) {
	storage := New()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, storage.AddNotification(ctx, &kinelink.Notification{
			ID: "evt_1:payment_succeeded", KineID: "kine1", Kind: kinelink.NotificationPaymentSucceeded,
		}))
	}
	require.NoError(t, storage.AddNotification(ctx, &kinelink.Notification{
		ID: "evt_2:payment_succeeded", KineID: "kine1", Kind: kinelink.NotificationPaymentSucceeded,
	}))

	list, err := storage.ListNotifications(ctx, "kine1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestStorage_Conversations(t *testing.T) {
	storage := New()
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c"} {
		require.NoError(t, storage.AppendTurn(ctx, "conv1", kinelink.ConversationTurn{Role: "user", Content: content}))
	}
	turns, err := storage.ListTurns(ctx, "conv1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "b", turns[0].Content)
	assert.Equal(t, "c", turns[1].Content)
}

func TestStorage_IncrementWindow(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	req := &kinelink.RateLimitRequest{Class: "ai_chat", Key: "sub:kine1", Window: time.Minute, Max: 5, Now: now}
	var info *kinelink.RateLimitInfo
	var err error
	for i := 1; i <= 6; i++ {
		info, err = storage.IncrementWindow(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, i, info.Count)
	}
	assert.Equal(t, 0, info.Remaining)
	assert.Equal(t, now.Add(time.Minute), info.ResetTime)

	// other keys and classes are independent
	other := *req
	other.Class = "search"
	info, err = storage.IncrementWindow(ctx, &other)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Count)

	// the window resets wholesale once elapsed
	later := *req
	later.Now = now.Add(time.Minute)
	info, err = storage.IncrementWindow(ctx, &later)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Count)
	assert.Equal(t, 4, info.Remaining)
}

func TestStorage_Cleanup(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	_, _ = storage.IncrementWindow(ctx, &kinelink.RateLimitRequest{Class: "c", Key: "k", Window: time.Second, Max: 1, Now: now})
	_, _ = storage.ClaimEvent(ctx, &kinelink.ProcessedEvent{ID: "old", ReceivedAt: now.Add(-100 * time.Hour)})
	_, _ = storage.ClaimEvent(ctx, &kinelink.ProcessedEvent{ID: "new", ReceivedAt: now})

	require.NoError(t, storage.Cleanup(ctx, now.Add(time.Minute), 72*time.Hour))
	assert.Equal(t, 0, storage.CleanupWindows(now.Add(time.Hour)))

	claimed, _ := storage.ClaimEvent(ctx, &kinelink.ProcessedEvent{ID: "old"})
	assert.True(t, claimed)
	claimed, _ = storage.ClaimEvent(ctx, &kinelink.ProcessedEvent{ID: "new"})
	assert.False(t, claimed)
}
