package kinelink_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

func TestMatchRoute(t *testing.T) {
	chat := kinelink.RateLimitPolicy{Window: time.Minute, Max: 10}
	general := kinelink.RateLimitPolicy{Window: time.Minute, Max: 100}
	rules := []kinelink.RouteRule{
		{Method: http.MethodPost, Pattern: "/api/chat/:id/messages", Class: "ai_chat", Policy: chat},
		{Method: "*", Pattern: "/api/search/*", Policy: general},
	}

	tests := []struct {
		name      string
		method    string
		path      string
		wantOK    bool
		wantClass string
	}{
		{"post to chat send is limited", http.MethodPost, "/api/chat/abc/messages", true, "ai_chat"},
		{"get on same path is not", http.MethodGet, "/api/chat/abc/messages", false, ""},
		{"parent path is not", http.MethodPost, "/api/chat/abc", false, ""},
		{"method is case insensitive", "post", "/api/chat/abc/messages/", true, "ai_chat"},
		{"wildcard suffix", http.MethodGet, "/api/search/patients/42", true, "/api/search/*"},
		{"unrelated", http.MethodGet, "/health", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, ok := kinelink.MatchRoute(rules, tt.method, tt.path)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantClass, rule.Class)
			}
		})
	}
}

func TestSubscription_Active(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	assert.True(t, (&kinelink.Subscription{Status: kinelink.StatusActive, CurrentPeriodEnd: &future}).Active(now))
	assert.False(t, (&kinelink.Subscription{Status: kinelink.StatusActive, CurrentPeriodEnd: &past}).Active(now))
	assert.True(t, (&kinelink.Subscription{Status: kinelink.StatusPastDue, CurrentPeriodEnd: &past}).Active(now))
	assert.False(t, (&kinelink.Subscription{Status: kinelink.StatusCanceled}).Active(now))
	var nilSub *kinelink.Subscription
	assert.False(t, nilSub.Active(now))
}

func TestParseSubscriptionStatus(t *testing.T) {
	assert.Equal(t, kinelink.StatusPastDue, kinelink.ParseSubscriptionStatus("past_due"))
	assert.Equal(t, kinelink.StatusCanceled, kinelink.ParseSubscriptionStatus("incomplete_expired"))
	assert.Equal(t, kinelink.StatusIncomplete, kinelink.ParseSubscriptionStatus("paused_weird"))
}
