// Package fiber provides Fiber middleware for kinelink rate limiting
package fiber

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// SubjectExtractor extracts the authenticated subject id from a Fiber context.
// Return empty string for anonymous callers; they are keyed by IP.
type SubjectExtractor func(c *fiber.Ctx) string

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
	OnRateLimitExceeded func(c *fiber.Ctx, err *kinelink.RateLimitExceededError) error

	// OnError is called when the limiter returns an error.
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error

	// Now replaces time.Now when computing the retry hint
	Now kinelink.TimeSource
}

func (cfg *Config) defaults() {
	// Validate required configuration at startup (fail fast)
	if cfg.Limiter == nil {
		panic("kinelink/fiber: Config.Limiter is required")
	}
	if cfg.GetSubject == nil {
		cfg.GetSubject = func(*fiber.Ctx) string { return "" }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// Middleware creates a Fiber middleware that limits requests according to cfg.Rules
func Middleware(cfg Config) fiber.Handler {
	cfg.defaults()

	return func(c *fiber.Ctx) error {
		rule, ok := kinelink.MatchRoute(cfg.Rules, c.Method(), c.Path())
		if !ok {
			return c.Next()
		}
		return cfg.enforce(c, rule.Class, rule.Policy)
	}
}

// Limit creates a Fiber handler applying one policy to every request it sees.
// Place it before the route handler, e.g.
//
//	app.Post("/api/chat/:conversationID/messages", fiber.Limit(cfg, "ai_chat", policy), send)
func Limit(cfg Config, class string, policy kinelink.RateLimitPolicy) fiber.Handler {
	cfg.defaults()

	return func(c *fiber.Ctx) error {
		return cfg.enforce(c, class, policy)
	}
}

func (cfg *Config) enforce(c *fiber.Ctx, class string, policy kinelink.RateLimitPolicy) error {
	key := kinelink.ResolveKey(policy, cfg.GetSubject(c), c.IP())

	// Fiber uses fasthttp, so the request context comes from c.UserContext()
	info, err := kinelink.Check(c.UserContext(), cfg.Limiter, class, key, policy, cfg.Now())
	if rle, limited := kinelink.IsRateLimited(err); limited {
		setHeaders(c, info, rle)
		if cfg.OnRateLimitExceeded != nil {
			return cfg.OnRateLimitExceeded(c, rle)
		}
		return c.Status(fiber.StatusTooManyRequests).JSON(rle.Response())
	}
	if err != nil {
		if cfg.OnError != nil {
			return cfg.OnError(c, err)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
	}

	setHeaders(c, info, nil)
	return c.Next()
}

func setHeaders(c *fiber.Ctx, info *kinelink.RateLimitInfo, rle *kinelink.RateLimitExceededError) {
	for k, v := range kinelink.RateLimitHeaders(info, rle) {
		c.Set(k, v)
	}
}

// Convenience extractors

// FromContext returns a SubjectExtractor that gets the subject id from Fiber context values (Locals).
// Use it behind auth middleware that calls c.Locals(key, subjectID).
func FromContext(key string) SubjectExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a SubjectExtractor that gets the subject id from a header.
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) SubjectExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a SubjectExtractor that gets the subject id from a route parameter
func FromParam(paramName string) SubjectExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a SubjectExtractor that gets the subject id from a query parameter
func FromQuery(queryName string) SubjectExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
