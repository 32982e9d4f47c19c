package billing

import (
	"encoding/json"
	"time"
)

// Event is a verified provider event ready for dispatch
type Event struct {
	ID       string
	Type     string
	Provider string
	Created  time.Time
	Livemode bool

	// Data is the raw JSON of the event object
	Data json.RawMessage
}

// Outcome is the handler result reported back to the provider
type Outcome string

const (
	// OutcomeProcessed means the event changed stored state
	OutcomeProcessed Outcome = "processed"
	// OutcomeSkipped means the handler found nothing to apply (stale or not relevant)
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDuplicate means the event id was processed before
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means no handler is registered for the event type
	OutcomeIgnored Outcome = "ignored"
	// OutcomeRecoverableError means the handler failed in a way that must not be retried
	OutcomeRecoverableError Outcome = "recoverable_error"
)
