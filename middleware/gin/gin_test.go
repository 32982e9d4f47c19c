package gin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
	"github.com/mihaimyh/kinelink/storage/memory"
)

var chatPolicy = kinelink.RateLimitPolicy{Window: time.Minute, Max: 2}

func newLimiter(t *testing.T) kinelink.RateLimiter {
	t.Helper()
	limiter, err := kinelink.NewRateLimiter(memory.New())
	require.NoError(t, err)
	return limiter
}

func newRouter(t *testing.T, cfg Config) *gongin.Engine {
	t.Helper()
	gongin.SetMode(gongin.TestMode)

	r := gongin.New()
	send := func(c *gongin.Context) { c.String(http.StatusOK, "sent") }
	list := func(c *gongin.Context) { c.String(http.StatusOK, "history") }
	r.POST("/api/chat/:conversationID/messages", Limit(cfg, "ai_chat", chatPolicy), send)
	r.GET("/api/chat/:conversationID/messages", list)
	return r
}

func serve(r http.Handler, method, path, kineID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if kineID != "" {
		req.Header.Set("X-Kine-ID", kineID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLimit_RejectsAfterMax(t *testing.T) {
	r := newRouter(t, Config{Limiter: newLimiter(t), GetSubject: FromHeader("X-Kine-ID")})

	w := serve(r, http.MethodPost, "/api/chat/c1/messages", "kine1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get(kinelink.HeaderLimit))
	assert.Equal(t, "1", w.Header().Get(kinelink.HeaderRemaining))

	serve(r, http.MethodPost, "/api/chat/c1/messages", "kine1")
	w = serve(r, http.MethodPost, "/api/chat/c1/messages", "kine1")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get(kinelink.HeaderRetryAfter))

	var body kinelink.RateLimitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_exceeded", body.Error)
	assert.Contains(t, body.Message, "Too many requests, retry in")
}

func TestLimit_GetOnSamePathNotLimited(t *testing.T) {
	r := newRouter(t, Config{Limiter: newLimiter(t), GetSubject: FromHeader("X-Kine-ID")})

	for i := 0; i < 3; i++ {
		serve(r, http.MethodPost, "/api/chat/c1/messages", "kine1")
	}
	for i := 0; i < 5; i++ {
		w := serve(r, http.MethodGet, "/api/chat/c1/messages", "kine1")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "history", w.Body.String())
	}
}

func TestMiddleware_Rules(t *testing.T) {
	gongin.SetMode(gongin.TestMode)
	r := gongin.New()
	r.Use(Middleware(Config{
		Limiter: newLimiter(t),
		Rules: []kinelink.RouteRule{
			{Method: http.MethodPost, Pattern: "/api/chat/:id/messages", Class: "ai_chat", Policy: chatPolicy},
		},
		GetSubject: FromHeader("X-Kine-ID"),
	}))
	r.POST("/api/chat/:conversationID/messages", func(c *gongin.Context) { c.Status(http.StatusCreated) })
	r.POST("/api/other", func(c *gongin.Context) { c.Status(http.StatusCreated) })

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusCreated, serve(r, http.MethodPost, "/api/chat/c1/messages", "kine1").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodPost, "/api/chat/c2/messages", "kine1").Code)
	assert.Equal(t, http.StatusCreated, serve(r, http.MethodPost, "/api/chat/c1/messages", "kine2").Code)

	w := serve(r, http.MethodPost, "/api/other", "kine1")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get(kinelink.HeaderLimit))
}

func TestMiddleware_FromContext(t *testing.T) {
	gongin.SetMode(gongin.TestMode)
	r := gongin.New()
	r.Use(func(c *gongin.Context) {
		c.Set("KineID", c.GetHeader("X-Kine-ID"))
		c.Next()
	})
	r.GET("/limited", Limit(Config{Limiter: newLimiter(t), GetSubject: FromContext("KineID")},
		"export", kinelink.RateLimitPolicy{Window: time.Minute, Max: 1}), func(c *gongin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/limited", "kine1").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodGet, "/limited", "kine1").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/limited", "kine2").Code)
}

func TestLimit_CustomRateLimitHandler(t *testing.T) {
	var got *kinelink.RateLimitExceededError
	cfg := Config{
		Limiter: newLimiter(t),
		OnRateLimitExceeded: func(c *gongin.Context, err *kinelink.RateLimitExceededError) {
			got = err
			c.JSON(http.StatusTooManyRequests, gongin.H{"custom": true})
		},
	}
	r := newRouter(t, cfg)

	for i := 0; i < 3; i++ {
		serve(r, http.MethodPost, "/api/chat/c1/messages", "")
	}
	require.NotNil(t, got)
	assert.Equal(t, "ai_chat", got.Class)
	assert.Contains(t, got.Key, "ip:")
}

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string, string, kinelink.RateLimitPolicy) (bool, *kinelink.RateLimitInfo, error) {
	return false, nil, errors.New("boom")
}

func TestLimit_LimiterError(t *testing.T) {
	r := newRouter(t, Config{Limiter: errLimiter{}})
	w := serve(r, http.MethodPost, "/api/chat/c1/messages", "kine1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMiddleware_ConfigValidation_MissingLimiter(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
	assert.Panics(t, func() { Limit(Config{}, "x", chatPolicy) })
}

func TestExtractors(t *testing.T) {
	gongin.SetMode(gongin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gongin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/x?kine=q1", nil)
	c.Request.Header.Set("X-Kine-ID", "h1")
	c.Params = gongin.Params{{Key: "kine", Value: "p1"}}

	assert.Equal(t, "h1", FromHeader("X-Kine-ID")(c))
	assert.Equal(t, "q1", FromQuery("kine")(c))
	assert.Equal(t, "p1", FromParam("kine")(c))
	assert.Equal(t, "", FromContext("missing")(c))
}
