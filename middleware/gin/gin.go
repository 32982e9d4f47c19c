// Package gin provides Gin middleware for kinelink rate limiting
package gin

import (
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// SubjectExtractor extracts the authenticated subject id from a Gin context.
// Return empty string for anonymous callers; they are keyed by IP.
type SubjectExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Limiter is the rate limiter instance (required)
	Limiter kinelink.RateLimiter

	// Rules selects a policy by method and path for Middleware.
	// Requests matching no rule are not limited.
	Rules []kinelink.RouteRule

	// GetSubject extracts the subject id from the context (optional)
	GetSubject SubjectExtractor

	// OnRateLimitExceeded is called when a request is rejected.
	// Rate limit headers are already set.
	// If nil, uses default response: 429 JSON
	OnRateLimitExceeded func(c *gongin.Context, err *kinelink.RateLimitExceededError)

	// OnError is called when the limiter returns an error.
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)

	// Now replaces time.Now when computing the retry hint
	Now kinelink.TimeSource
}

func (cfg *Config) defaults() {
	// Validate required configuration at startup (fail fast)
	if cfg.Limiter == nil {
		panic("kinelink/gin: Config.Limiter is required")
	}
	if cfg.GetSubject == nil {
		cfg.GetSubject = func(*gongin.Context) string { return "" }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// Middleware creates a Gin middleware that limits requests according to cfg.Rules
func Middleware(cfg Config) gongin.HandlerFunc {
	cfg.defaults()

	return func(c *gongin.Context) {
		rule, ok := kinelink.MatchRoute(cfg.Rules, c.Request.Method, c.Request.URL.Path)
		if !ok {
			c.Next()
			return
		}
		if cfg.enforce(c, rule.Class, rule.Policy) {
			c.Next()
		}
	}
}

// Limit creates a Gin middleware applying one policy to every request it sees.
// Attach it to a single route registration, e.g.
//
//	r.POST("/api/chat/:conversationID/messages", gin.Limit(cfg, "ai_chat", policy), send)
func Limit(cfg Config, class string, policy kinelink.RateLimitPolicy) gongin.HandlerFunc {
	cfg.defaults()

	return func(c *gongin.Context) {
		if cfg.enforce(c, class, policy) {
			c.Next()
		}
	}
}

func (cfg *Config) enforce(c *gongin.Context, class string, policy kinelink.RateLimitPolicy) bool {
	key := kinelink.ResolveKey(policy, cfg.GetSubject(c), c.ClientIP())

	info, err := kinelink.Check(c.Request.Context(), cfg.Limiter, class, key, policy, cfg.Now())
	if rle, limited := kinelink.IsRateLimited(err); limited {
		setHeaders(c, info, rle)
		if cfg.OnRateLimitExceeded != nil {
			cfg.OnRateLimitExceeded(c, rle)
		} else {
			defaultRateLimitExceeded(c, rle)
		}
		c.Abort()
		return false
	}
	if err != nil {
		if cfg.OnError != nil {
			cfg.OnError(c, err)
		} else {
			defaultError(c)
		}
		c.Abort()
		return false
	}

	// Headers go out on allowed requests too so clients can pace themselves
	setHeaders(c, info, nil)
	return true
}

func setHeaders(c *gongin.Context, info *kinelink.RateLimitInfo, rle *kinelink.RateLimitExceededError) {
	for k, v := range kinelink.RateLimitHeaders(info, rle) {
		c.Header(k, v)
	}
}

// Default error handlers

func defaultRateLimitExceeded(c *gongin.Context, err *kinelink.RateLimitExceededError) {
	c.JSON(http.StatusTooManyRequests, err.Response())
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors

// FromContext returns a SubjectExtractor that gets the subject id from Gin context values.
// This is the recommended approach for integrating with auth middleware that sets
// the caller via c.Set("KineID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("KineID", kineID)
//
//	// In rate limit middleware config:
//	GetSubject: gin.FromContext("KineID")
func FromContext(key string) SubjectExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a SubjectExtractor that gets the subject id from a header
func FromHeader(headerName string) SubjectExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a SubjectExtractor that gets the subject id from a route parameter
func FromParam(paramName string) SubjectExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a SubjectExtractor that gets the subject id from a query parameter
func FromQuery(queryName string) SubjectExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
