package internal

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/kinelink/pkg/clientip"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// FloodGuard limits requests per client IP in front of a webhook endpoint.
// Webhook callers are machines, so a rejection is a bare 429 with Retry-After.
// Behind a reverse proxy trustProxy must be set, or every delivery shares the
// proxy address as key.
func FloodGuard(limiter kinelink.RateLimiter, class string, policy kinelink.RateLimitPolicy, trustProxy bool, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	policy.KeyBy = kinelink.KeyByIP
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := kinelink.ResolveKey(policy, "", clientip.FromRequest(r, trustProxy))
		allowed, info, err := limiter.Allow(r.Context(), class, key, policy)
		if err == nil && !allowed {
			retry := int(info.RetryAfter(time.Now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
