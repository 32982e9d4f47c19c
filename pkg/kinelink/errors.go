package kinelink

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrSubscriptionNotFound is returned when a kiné has no subscription
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvalidSubscription is returned for a subscription missing its kiné id
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrReferrerNotFound is returned when a kiné was not referred by anyone
	ErrReferrerNotFound = errors.New("referrer not found")

	// ErrInvalidPolicy is returned for a rate limit policy with a non-positive window or max
	ErrInvalidPolicy = errors.New("invalid rate limit policy")

	// ErrInvalidEvent is returned for a ledger entry without an id
	ErrInvalidEvent = errors.New("invalid event")

	// ErrStorageUnavailable is returned when storage cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConversationNotFound is returned when a conversation has no turns yet
	ErrConversationNotFound = errors.New("conversation not found")
)

// RateLimitExceededError is returned when a caller used up its window
type RateLimitExceededError struct {
	Class      string
	Key        string
	Info       *RateLimitInfo
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%s): retry after %s", e.Class, e.Key, e.RetryAfter)
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, minimum 1
func (e *RateLimitExceededError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Message is the end-user text for a limited request
func (e *RateLimitExceededError) Message() string {
	return fmt.Sprintf("Too many requests, retry in %d seconds", e.RetryAfterSeconds())
}

// IsRateLimited reports whether err carries a RateLimitExceededError
func IsRateLimited(err error) (*RateLimitExceededError, bool) {
	var rle *RateLimitExceededError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
