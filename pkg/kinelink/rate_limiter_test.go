package kinelink_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
	"github.com/mihaimyh/kinelink/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingStore struct{}

func (failingStore) IncrementWindow(context.Context, *kinelink.RateLimitRequest) (*kinelink.RateLimitInfo, error) {
	return nil, errors.New("connection refused")
}

func newLimiter(t *testing.T, clock *fakeClock) *kinelink.FixedWindowLimiter {
	t.Helper()
	limiter, err := kinelink.NewRateLimiter(memory.New(), kinelink.WithTimeSource(clock.Now))
	require.NoError(t, err)
	return limiter
}

func TestFixedWindowLimiter_SixthRequestRejected(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	limiter := newLimiter(t, clock)
	policy := kinelink.RateLimitPolicy{Window: 60 * time.Second, Max: 5}
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		allowed, info, err := limiter.Allow(ctx, "ai_chat", "sub:kine1", policy)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i)
		assert.Equal(t, 5-i, info.Remaining)
		clock.Advance(time.Second)
	}

	allowed, info, err := limiter.Allow(ctx, "ai_chat", "sub:kine1", policy)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
	assert.Equal(t, 55*time.Second, info.RetryAfter(clock.Now()))
}

func TestFixedWindowLimiter_ResetsAfterWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	limiter := newLimiter(t, clock)
	policy := kinelink.RateLimitPolicy{Window: 60 * time.Second, Max: 5}
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, _, err := limiter.Allow(ctx, "ai_chat", "sub:kine1", policy)
		require.NoError(t, err)
	}

	clock.Advance(60 * time.Second)
	allowed, info, err := limiter.Allow(ctx, "ai_chat", "sub:kine1", policy)
	require.NoError(t, err)
	assert.True(t, allowed)
	// reset, not decrement
	assert.Equal(t, 1, info.Count)
	assert.Equal(t, 4, info.Remaining)
}

func TestFixedWindowLimiter_IndependentClassesAndKeys(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	limiter := newLimiter(t, clock)
	policy := kinelink.RateLimitPolicy{Window: time.Minute, Max: 1}
	ctx := context.Background()

	allowed, _, _ := limiter.Allow(ctx, "ai_chat", "sub:a", policy)
	assert.True(t, allowed)
	allowed, _, _ = limiter.Allow(ctx, "ai_chat", "sub:a", policy)
	assert.False(t, allowed)
	allowed, _, _ = limiter.Allow(ctx, "ai_chat", "sub:b", policy)
	assert.True(t, allowed)
	allowed, _, _ = limiter.Allow(ctx, "search", "sub:a", policy)
	assert.True(t, allowed)
}

func TestFixedWindowLimiter_Concurrent(t *testing.T) {
	limiter, err := kinelink.NewRateLimiter(memory.New())
	require.NoError(t, err)
	policy := kinelink.RateLimitPolicy{Window: time.Minute, Max: 10}

	var allowedCount int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, _, err := limiter.Allow(context.Background(), "ai_chat", "sub:kine1", policy)
			if err == nil && allowed {
				atomic.AddInt32(&allowedCount, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowedCount)
}

func TestFixedWindowLimiter_InvalidPolicy(t *testing.T) {
	limiter, err := kinelink.NewRateLimiter(memory.New())
	require.NoError(t, err)

	_, _, err = limiter.Allow(context.Background(), "c", "k", kinelink.RateLimitPolicy{Window: 0, Max: 5})
	assert.ErrorIs(t, err, kinelink.ErrInvalidPolicy)

	_, _, err = limiter.Allow(context.Background(), "c", "k", kinelink.RateLimitPolicy{Window: time.Second, Max: 1, KeyBy: "cookie"})
	assert.ErrorIs(t, err, kinelink.ErrInvalidPolicy)
}

func TestFixedWindowLimiter_StoreFailureAllows(t *testing.T) {
	limiter, err := kinelink.NewRateLimiter(failingStore{})
	require.NoError(t, err)

	allowed, info, err := limiter.Allow(context.Background(), "c", "k", kinelink.RateLimitPolicy{Window: time.Minute, Max: 3})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 3, info.Remaining)
}

func TestNewRateLimiter_NilStore(t *testing.T) {
	_, err := kinelink.NewRateLimiter(nil)
	assert.Error(t, err)
}

func TestCheck_ReturnsTypedError(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	limiter := newLimiter(t, clock)
	policy := kinelink.RateLimitPolicy{Window: 30 * time.Second, Max: 1}
	ctx := context.Background()

	_, err := kinelink.Check(ctx, limiter, "ai_chat", "ip:1.2.3.4", policy, clock.Now())
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	_, err = kinelink.Check(ctx, limiter, "ai_chat", "ip:1.2.3.4", policy, clock.Now())
	rle, ok := kinelink.IsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 20, rle.RetryAfterSeconds())
	assert.Equal(t, "Too many requests, retry in 20 seconds", rle.Message())
}

func TestResolveKey(t *testing.T) {
	identity := kinelink.RateLimitPolicy{Window: time.Minute, Max: 1}
	byIP := kinelink.RateLimitPolicy{Window: time.Minute, Max: 1, KeyBy: kinelink.KeyByIP}

	assert.Equal(t, "sub:kine1", kinelink.ResolveKey(identity, "kine1", "10.0.0.1"))
	assert.Equal(t, "ip:10.0.0.1", kinelink.ResolveKey(identity, "", "10.0.0.1"))
	assert.Equal(t, "ip:10.0.0.1", kinelink.ResolveKey(byIP, "kine1", "10.0.0.1"))
	assert.Equal(t, "ip:unknown", kinelink.ResolveKey(byIP, "", ""))
}
