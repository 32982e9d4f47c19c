package kinelink

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter defines the interface for rate limiting implementations
type RateLimiter interface {
	// Allow counts one request for key within the route class and checks it
	// against policy.
	// Returns (allowed, rateLimitInfo, error)
	// allowed: true if the request is allowed, false if rate limited
	// rateLimitInfo: the window state after this request was counted
	// error: ErrInvalidPolicy for an unusable policy
	Allow(ctx context.Context, class, key string, policy RateLimitPolicy) (bool, *RateLimitInfo, error)
}

// RateLimiterOption configures a FixedWindowLimiter
type RateLimiterOption func(*FixedWindowLimiter)

// WithLogger sets the logger
func WithLogger(logger Logger) RateLimiterOption {
	return func(l *FixedWindowLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(metrics Metrics) RateLimiterOption {
	return func(l *FixedWindowLimiter) {
		if metrics != nil {
			l.metrics = metrics
		}
	}
}

// WithTimeSource replaces time.Now
func WithTimeSource(now TimeSource) RateLimiterOption {
	return func(l *FixedWindowLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// FixedWindowLimiter is a fixed window counter over an injected RateLimitStore.
// Counting and checking happen in a single store call so concurrent requests
// cannot both observe a free slot.
type FixedWindowLimiter struct {
	store   RateLimitStore
	logger  Logger
	metrics Metrics
	now     TimeSource
}

// NewRateLimiter creates a fixed window rate limiter backed by store
func NewRateLimiter(store RateLimitStore, opts ...RateLimiterOption) (*FixedWindowLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("rate limit store is required")
	}
	l := &FixedWindowLimiter{
		store:   store,
		logger:  &NoopLogger{},
		metrics: &NoopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow implements RateLimiter
func (l *FixedWindowLimiter) Allow(
	ctx context.Context, class, key string, policy RateLimitPolicy,
) (bool, *RateLimitInfo, error) {
	if err := policy.Validate(); err != nil {
		return false, nil, err
	}

	start := time.Now()
	now := l.now().UTC()

	info, err := l.store.IncrementWindow(ctx, &RateLimitRequest{
		Class:  class,
		Key:    key,
		Window: policy.Window,
		Max:    policy.Max,
		Now:    now,
	})
	l.metrics.RecordRateLimitCheck(class, time.Since(start))
	if err != nil {
		// On storage error, allow the request (graceful degradation)
		l.logger.Warn("rate limit store failed, allowing request",
			F("class", class), F("key", key), F("error", err.Error()))
		l.metrics.RecordStorageOperation("rate_limit_increment", time.Since(start), err)
		return true, &RateLimitInfo{
			Count:     0,
			Remaining: policy.Max,
			ResetTime: now.Add(policy.Window),
			Limit:     policy.Max,
		}, nil
	}

	if info.Count > policy.Max {
		l.metrics.RecordRateLimitExceeded(class)
		l.logger.Debug("rate limit exceeded",
			F("class", class), F("key", key), F("count", info.Count), F("limit", policy.Max))
		return false, info, nil
	}
	return true, info, nil
}

// Check wraps Allow and turns a rejection into a *RateLimitExceededError
func Check(ctx context.Context, limiter RateLimiter, class, key string, policy RateLimitPolicy, now time.Time) (*RateLimitInfo, error) {
	allowed, info, err := limiter.Allow(ctx, class, key, policy)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return info, &RateLimitExceededError{
			Class:      class,
			Key:        key,
			Info:       info,
			RetryAfter: info.RetryAfter(now),
		}
	}
	return info, nil
}

// ResolveKey derives the counter key for a caller.
// Identity policies use the subject id and fall back to the IP when the caller
// is anonymous. IP policies always use the IP.
func ResolveKey(policy RateLimitPolicy, subjectID, ip string) string {
	if policy.KeyBy != KeyByIP && subjectID != "" {
		return "sub:" + subjectID
	}
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

// FixedWindow computes the window state for a counter created at start.
// Stores share it so that every backend reports the same numbers.
func FixedWindow(count, max int, resetAt time.Time) *RateLimitInfo {
	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitInfo{
		Count:     count,
		Remaining: remaining,
		ResetTime: resetAt,
		Limit:     max,
	}
}
