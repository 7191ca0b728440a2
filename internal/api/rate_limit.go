package api

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/dunamismax/bwproxy/internal/proxy"
	"github.com/dunamismax/bwproxy/internal/ratelimit"
)

type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// withRateLimit throttles the proxy route per client IP. Health and metrics
// endpoints are never limited. A limiter error lets the request through.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if routeLabel(r.URL.Path) != "/" {
			next.ServeHTTP(w, r)
			return
		}

		ip := s.clientIP(r)
		decision, err := s.rateLimiter.Allow(r.Context(), ip)
		switch {
		case err != nil:
			s.logger.Warn("rate limiter check failed", map[string]any{"client_ip": ip, "error": err.Error()})
			next.ServeHTTP(w, r)
		case decision.Allowed:
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			next.ServeHTTP(w, r)
		default:
			s.metrics.rateLimitRejected.WithLabelValues("/").Inc()
			s.logger.Debug("rate limited", map[string]any{"client_ip": ip, "retry_after": decision.RetryAfter.String()})
			writeRateLimited(w, decision)
		}
	})
}

// writeRateLimited answers with 429 and a whole-second Retry-After of at
// least one, carrying the proxy's no-cache headers.
func writeRateLimited(w http.ResponseWriter, decision ratelimit.Decision) {
	retryAfter := max(int(math.Ceil(decision.RetryAfter.Seconds())), 1)

	resp := proxy.StatusResponse(http.StatusTooManyRequests, "Rate limit exceeded")
	resp.Headers["x-ratelimit-remaining"] = "0"
	resp.Headers["retry-after"] = strconv.Itoa(retryAfter)
	writeResponse(w, resp)
}
