// Package http provides net/http middleware for kinelink rate limiting
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mihaimyh/kinelink/pkg/clientip"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// SubjectExtractor extracts the authenticated subject id from an HTTP request.
// Return empty string for anonymous callers; they are keyed by IP.
type SubjectExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Limiter is the rate limiter instance (required)
	Limiter kinelink.RateLimiter

	// Rules selects a policy by method and path for Middleware.
	// Requests matching no rule are not limited.
	Rules []kinelink.RouteRule

	// GetSubject extracts the subject id from the request (optional)
	GetSubject SubjectExtractor

	// TrustProxy makes X-Forwarded-For and X-Real-IP count as the client address
	TrustProxy bool

	// OnRateLimitExceeded is called when a request is rejected.
	// If nil, writes a 429 JSON body.
	OnRateLimitExceeded func(w http.ResponseWriter, r *http.Request, err *kinelink.RateLimitExceededError)

	// OnError is called when the limiter returns an error.
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Now replaces time.Now when computing the retry hint
	Now kinelink.TimeSource
}

func (c *Config) defaults() {
	if c.Limiter == nil {
		panic("kinelink/middleware/http: Limiter is required")
	}
	if c.GetSubject == nil {
		c.GetSubject = func(*http.Request) string { return "" }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Middleware limits requests according to config.Rules
func Middleware(config Config) func(http.Handler) http.Handler {
	config.defaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rule, ok := kinelink.MatchRoute(config.Rules, r.Method, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if config.enforce(w, r, rule.Class, rule.Policy) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// Limit applies one policy to every request reaching the wrapped handler.
// Use it to attach a limit to a single method and path registration.
func Limit(config Config, class string, policy kinelink.RateLimitPolicy) func(http.Handler) http.Handler {
	config.defaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.enforce(w, r, class, policy) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// HandlerFunc creates a rule based middleware (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// enforce counts the request and writes the rejection. It reports whether
// the request may proceed.
func (c *Config) enforce(w http.ResponseWriter, r *http.Request, class string, policy kinelink.RateLimitPolicy) bool {
	key := kinelink.ResolveKey(policy, c.GetSubject(r), clientip.FromRequest(r, c.TrustProxy))

	info, err := kinelink.Check(r.Context(), c.Limiter, class, key, policy, c.Now())
	if rle, limited := kinelink.IsRateLimited(err); limited {
		setHeaders(w, info, rle)
		if c.OnRateLimitExceeded != nil {
			c.OnRateLimitExceeded(w, r, rle)
		} else {
			writeJSON(w, http.StatusTooManyRequests, rle.Response())
		}
		return false
	}
	if err != nil {
		if c.OnError != nil {
			c.OnError(w, r, err)
		} else {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
		return false
	}

	setHeaders(w, info, nil)
	return true
}

func setHeaders(w http.ResponseWriter, info *kinelink.RateLimitInfo, rle *kinelink.RateLimitExceededError) {
	for k, v := range kinelink.RateLimitHeaders(info, rle) {
		w.Header().Set(k, v)
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// SubjectKey is the context key for the subject id
	SubjectKey ContextKey = "kinelink:subject"
)

// FromContext returns a SubjectExtractor that reads the subject id from the request context
func FromContext(key ContextKey) SubjectExtractor {
	return func(r *http.Request) string {
		if subject, ok := r.Context().Value(key).(string); ok {
			return subject
		}
		return ""
	}
}

// FromHeader returns a SubjectExtractor that reads the subject id from a header
func FromHeader(headerName string) SubjectExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithSubject adds the subject id to ctx
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, SubjectKey, subject)
}
