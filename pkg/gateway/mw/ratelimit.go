package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/live-gateway/pkg/gateway/metrics"
	"github.com/vango-go/live-gateway/pkg/gateway/principal"
	"github.com/vango-go/live-gateway/pkg/gateway/ratelimit"
)

// RateLimit applies the per-principal request bucket. Probes, preflights and
// WebSocket upgrades are exempt; live connections have their own cap.
func RateLimit(limiter *ratelimit.Limiter, trustProxyHeaders bool, m *metrics.Metrics, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch RouteLabel(r.URL.Path) {
		case "/healthz", "/health", "/ping", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions || isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		p := principal.Resolve(r, trustProxyHeaders)
		dec := limiter.AcquireRequest(p.Key, time.Now())
		if !dec.Allowed {
			m.RecordRateLimitHit("request")
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			WriteJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
