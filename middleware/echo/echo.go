// Package echo provides Echo middleware for kinelink rate limiting
package echo

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/kinelink/pkg/clientip"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// SubjectExtractor extracts the authenticated subject id from an Echo context.
// Return empty string for anonymous callers; they are keyed by IP.
type SubjectExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Limiter is the rate limiter instance (required)
	Limiter kinelink.RateLimiter

	// Rules selects a policy by method and path for Middleware.
	// Requests matching no rule are not limited.
	Rules []kinelink.RouteRule

	// GetSubject extracts the subject id from the context (optional)
	GetSubject SubjectExtractor

	// TrustProxy makes X-Forwarded-For and X-Real-IP count as the client address
	TrustProxy bool

	// OnRateLimitExceeded is called when a request is rejected.
	// Rate limit headers are already set.
	// If nil, uses default response: 429 JSON
	OnRateLimitExceeded func(c echo.Context, err *kinelink.RateLimitExceededError) error

	// OnError is called when the limiter returns an error.
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error

	// Now replaces time.Now when computing the retry hint
	Now kinelink.TimeSource
}

func (cfg *Config) defaults() {
	// Validate required configuration at startup (fail fast)
	if cfg.Limiter == nil {
		panic("kinelink/echo: Config.Limiter is required")
	}
	if cfg.GetSubject == nil {
		cfg.GetSubject = func(echo.Context) string { return "" }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// Middleware creates an Echo middleware that limits requests according to cfg.Rules
func Middleware(cfg Config) echo.MiddlewareFunc {
	cfg.defaults()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			rule, ok := kinelink.MatchRoute(cfg.Rules, req.Method, req.URL.Path)
			if !ok {
				return next(c)
			}
			return cfg.enforce(c, next, rule.Class, rule.Policy)
		}
	}
}

// Limit creates an Echo middleware applying one policy to every request it sees.
// Pass it to a single route registration, e.g.
//
//	g.POST("/chat/:conversationID/messages", send, echo.Limit(cfg, "ai_chat", policy))
func Limit(cfg Config, class string, policy kinelink.RateLimitPolicy) echo.MiddlewareFunc {
	cfg.defaults()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return cfg.enforce(c, next, class, policy)
		}
	}
}

func (cfg *Config) enforce(c echo.Context, next echo.HandlerFunc, class string, policy kinelink.RateLimitPolicy) error {
	key := kinelink.ResolveKey(policy, cfg.GetSubject(c), clientip.FromRequest(c.Request(), cfg.TrustProxy))

	info, err := kinelink.Check(c.Request().Context(), cfg.Limiter, class, key, policy, cfg.Now())
	if rle, limited := kinelink.IsRateLimited(err); limited {
		setHeaders(c, info, rle)
		if cfg.OnRateLimitExceeded != nil {
			return cfg.OnRateLimitExceeded(c, rle)
		}
		return c.JSON(http.StatusTooManyRequests, rle.Response())
	}
	if err != nil {
		if cfg.OnError != nil {
			return cfg.OnError(c, err)
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}

	setHeaders(c, info, nil)
	return next(c)
}

func setHeaders(c echo.Context, info *kinelink.RateLimitInfo, rle *kinelink.RateLimitExceededError) {
	h := c.Response().Header()
	for k, v := range kinelink.RateLimitHeaders(info, rle) {
		h.Set(k, v)
	}
}

// Convenience extractors

// FromContext returns a SubjectExtractor that gets the subject id from Echo context values.
// Use it behind auth middleware that calls c.Set(key, subjectID).
func FromContext(key string) SubjectExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a SubjectExtractor that gets the subject id from a header
func FromHeader(headerName string) SubjectExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a SubjectExtractor that gets the subject id from a route parameter
func FromParam(paramName string) SubjectExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a SubjectExtractor that gets the subject id from a query parameter
func FromQuery(queryName string) SubjectExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
