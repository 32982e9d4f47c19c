package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
	"github.com/mihaimyh/kinelink/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// errorLimiter always fails
type errorLimiter struct{}

func (errorLimiter) Allow(context.Context, string, string, kinelink.RateLimitPolicy) (bool, *kinelink.RateLimitInfo, error) {
	return false, nil, errors.New("boom")
}

var chatRule = kinelink.RouteRule{
	Method:  http.MethodPost,
	Pattern: "/api/chat/:conversationID/messages",
	Class:   "ai_chat",
	Policy:  kinelink.RateLimitPolicy{Window: 60 * time.Second, Max: 5},
}

// Test helper to create an echo instance with the chat routes
func setupTestServer(t *testing.T, cfg Config) *echo.Echo {
	t.Helper()

	e := echo.New()
	e.Use(Middleware(cfg))
	e.POST("/api/chat/:conversationID/messages", func(c echo.Context) error {
		return c.String(http.StatusOK, "sent")
	})
	e.GET("/api/chat/:conversationID/messages", func(c echo.Context) error {
		return c.String(http.StatusOK, "history")
	})
	return e
}

func setupTestLimiter(t *testing.T, now kinelink.TimeSource) kinelink.RateLimiter {
	t.Helper()

	limiter, err := kinelink.NewRateLimiter(memory.New(), kinelink.WithTimeSource(now))
	if err != nil {
		t.Fatalf("Failed to create limiter: %v", err)
	}
	return limiter
}

func send(e *echo.Echo, method, kineID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/chat/c1/messages", http.NoBody)
	if kineID != "" {
		req.Header.Set("X-Kine-ID", kineID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	e := setupTestServer(t, Config{
		Limiter:    setupTestLimiter(t, time.Now),
		Rules:      []kinelink.RouteRule{chatRule},
		GetSubject: FromHeader("X-Kine-ID"),
	})

	rec := send(e, http.MethodPost, "kine1")

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "sent" {
		t.Errorf("Expected 'sent', got %s", rec.Body.String())
	}
	if got := rec.Header().Get(kinelink.HeaderRemaining); got != "4" {
		t.Errorf("Expected remaining 4, got %q", got)
	}
}

func TestMiddleware_SixthRequestRejectedThenWindowResets(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e := setupTestServer(t, Config{
		Limiter:    setupTestLimiter(t, clk.Now),
		Rules:      []kinelink.RouteRule{chatRule},
		GetSubject: FromHeader("X-Kine-ID"),
		Now:        clk.Now,
	})

	for i := 1; i <= 5; i++ {
		if rec := send(e, http.MethodPost, "kine1"); rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected status 200, got %d", i, rec.Code)
		}
	}

	clk.Advance(20 * time.Second)
	rec := send(e, http.MethodPost, "kine1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "40" {
		t.Errorf("Expected Retry-After 40, got %q", got)
	}

	var body kinelink.RateLimitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Message != "Too many requests, retry in 40 seconds" {
		t.Errorf("Unexpected message %q", body.Message)
	}

	clk.Advance(40 * time.Second)
	rec = send(e, http.MethodPost, "kine1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200 after the window, got %d", rec.Code)
	}
	if got := rec.Header().Get(kinelink.HeaderRemaining); got != "4" {
		t.Errorf("Expected the counter to reset, remaining %q", got)
	}
}

func TestMiddleware_GetIsNotLimited(t *testing.T) {
	e := setupTestServer(t, Config{
		Limiter:    setupTestLimiter(t, time.Now),
		Rules:      []kinelink.RouteRule{chatRule},
		GetSubject: FromHeader("X-Kine-ID"),
	})

	for i := 0; i < 6; i++ {
		send(e, http.MethodPost, "kine1")
	}
	for i := 0; i < 10; i++ {
		if rec := send(e, http.MethodGet, "kine1"); rec.Code != http.StatusOK {
			t.Fatalf("GET %d: expected status 200, got %d", i+1, rec.Code)
		}
	}
}

func TestLimit_OnRoute(t *testing.T) {
	e := echo.New()
	cfg := Config{Limiter: setupTestLimiter(t, time.Now), GetSubject: FromContext("kine_id")}
	auth := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("kine_id", c.Request().Header.Get("X-Kine-ID"))
			return next(c)
		}
	}
	e.POST("/api/chat/:conversationID/messages", func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	}, auth, Limit(cfg, "ai_chat", kinelink.RateLimitPolicy{Window: time.Minute, Max: 1}))

	if rec := send(e, http.MethodPost, "kine1"); rec.Code != http.StatusCreated {
		t.Errorf("Expected status 201, got %d", rec.Code)
	}
	if rec := send(e, http.MethodPost, "kine1"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", rec.Code)
	}
	if rec := send(e, http.MethodPost, "kine2"); rec.Code != http.StatusCreated {
		t.Errorf("Expected status 201 for another kiné, got %d", rec.Code)
	}
}

func TestMiddleware_CustomRateLimitHandler(t *testing.T) {
	called := false
	e := setupTestServer(t, Config{
		Limiter: setupTestLimiter(t, time.Now),
		Rules: []kinelink.RouteRule{{
			Method: "*", Pattern: "/api/*", Class: "general",
			Policy: kinelink.RateLimitPolicy{Window: time.Minute, Max: 1, KeyBy: kinelink.KeyByIP},
		}},
		OnRateLimitExceeded: func(c echo.Context, err *kinelink.RateLimitExceededError) error {
			called = true
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"custom":      true,
				"retry_after": err.RetryAfterSeconds(),
			})
		},
	})

	send(e, http.MethodGet, "kine1")
	rec := send(e, http.MethodGet, "kine2")

	if !called {
		t.Error("Expected custom rate limit handler to be called")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", rec.Code)
	}
}

func TestMiddleware_LimiterError(t *testing.T) {
	e := setupTestServer(t, Config{Limiter: errorLimiter{}, Rules: []kinelink.RouteRule{chatRule}})
	if rec := send(e, http.MethodPost, ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestMiddleware_LimiterError_CustomHandler(t *testing.T) {
	e := setupTestServer(t, Config{
		Limiter: errorLimiter{},
		Rules:   []kinelink.RouteRule{chatRule},
		OnError: func(c echo.Context, err error) error {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		},
	})
	if rec := send(e, http.MethodPost, ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
}

func TestMiddleware_ConfigValidation_MissingLimiter(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when Limiter is nil")
		}
	}()
	Middleware(Config{})
}
