package kinelink

import "time"

// Metrics tracks rate limiting and outbound messaging.
type Metrics interface {
	// RecordRateLimitCheck records the latency of a rate limit check for a route class.
	RecordRateLimitCheck(class string, duration time.Duration)

	// RecordRateLimitExceeded records a rejected request for a route class.
	RecordRateLimitExceeded(class string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordMessageSend records an outbound message attempt.
	// template is the template name, status is "success" or "error".
	RecordMessageSend(template, status string)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordRateLimitCheck(class string, duration time.Duration)                  {}
func (n *NoopMetrics) RecordRateLimitExceeded(class string)                                       {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordMessageSend(template, status string)                                  {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
