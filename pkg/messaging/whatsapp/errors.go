package whatsapp

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when required credentials are missing
	ErrNotConfigured = errors.New("whatsapp not configured")

	// ErrInvalidPhone is returned when a number cannot be normalized
	ErrInvalidPhone = errors.New("invalid phone number")

	// ErrCircuitOpen is returned while the Graph API breaker fails fast
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNoMessageID is returned when the API accepted a request without returning a message id
	ErrNoMessageID = errors.New("graph api response has no message id")
)

// APIError is a non-2xx answer of the Graph API
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("graph api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph api error %d: %s", e.StatusCode, e.Message)
}

// retryable reports whether the failure says something about API health
// rather than about the request itself.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	return err != nil
}
