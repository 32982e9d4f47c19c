package billing

import (
	"errors"
	"fmt"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrKineNotResolved is returned when an event cannot be linked to a kiné account
	ErrKineNotResolved = errors.New("kiné account not resolved from event")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrPlanNotConfigured is returned when a plan is not found in PlanMapping
	ErrPlanNotConfigured = errors.New("plan not configured in plan mapping")

	// ErrCustomerNotFound is returned when a kiné has no customer in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)

// Severity classifies a handler failure
type Severity int

const (
	// SeverityRecoverable failures are logged and acknowledged to the provider
	SeverityRecoverable Severity = iota
	// SeverityCritical failures answer 500 so the provider retries later
	SeverityCritical
)

func (s Severity) String() string {
	if s == SeverityCritical {
		return "critical"
	}
	return "recoverable"
}

// HandlerError is returned by event handlers to state how the dispatcher
// should answer the provider.
type HandlerError struct {
	Severity Severity
	Op       string
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Severity, e.Op, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Recoverable wraps err as a failure that must not trigger provider retries
func Recoverable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Severity: SeverityRecoverable, Op: op, Err: err}
}

// Critical wraps err as an infrastructure failure that the provider should retry
func Critical(op string, err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Severity: SeverityCritical, Op: op, Err: err}
}

// Classify wraps a storage error by its nature: unreachable storage is
// critical, anything else is recoverable.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kinelink.ErrStorageUnavailable) {
		return Critical(op, err)
	}
	return Recoverable(op, err)
}

// IsCritical reports whether err should make the provider retry.
// Errors that were not classified by a handler are recoverable.
func IsCritical(err error) bool {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Severity == SeverityCritical
	}
	return false
}
