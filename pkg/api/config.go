package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/kinelink/pkg/billing"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// Store is what the kiné API reads
type Store interface {
	kinelink.SubscriptionStore
	kinelink.NotificationStore
}

// Config holds configuration for the kiné API handler
type Config struct {
	// Store holds subscriptions and notifications (required)
	Store Store

	// Checkout creates hosted checkout and billing-portal pages (required)
	Checkout billing.CheckoutProvider

	// GetKineID extracts the kiné id from the HTTP request (required)
	// Similar to middleware/http pattern
	GetKineID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional. Internal errors are logged at error level.
	Logger kinelink.Logger

	// Now replaces time.Now for the "active" flag
	Now kinelink.TimeSource
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Checkout == nil {
		return fmt.Errorf("checkout provider is required")
	}
	if c.GetKineID == nil {
		return fmt.Errorf("getKineID is required")
	}
	return nil
}

// NewHandler creates a new kiné API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &kinelink.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common kiné id extraction patterns

// FromHeader returns a GetKineID function that extracts the kiné id from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetKineID function that extracts the kiné id from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if kineID, ok := r.Context().Value(key).(string); ok {
			return kineID
		}
		return ""
	}
}
