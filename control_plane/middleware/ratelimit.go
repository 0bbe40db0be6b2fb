package middleware

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/testmesh/orchestrator/control_plane/observability"
)

// RateLimit rejects requests once limiter's token bucket is empty, the way
// the teacher gates its heartbeat and reconcile endpoints
// (control_plane/api.go's heartbeatLimiter/reconcileLimiter) rather than
// queuing or blocking callers.
func RateLimit(limiter *rate.Limiter, endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				observability.APIRateLimited.WithLabelValues(endpoint).Inc()
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
