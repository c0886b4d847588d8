package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/exportflow/exportflow/internal/ratelimit"
)

type RateLimiter interface {
	Allow(ctx context.Context, ownerID string) (ratelimit.Decision, error)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		subject := strings.TrimSpace(r.Header.Get(s.ownerHeader))
		decision, err := s.rateLimiter.Allow(r.Context(), subject)
		if err != nil {
			// Fail open: a rate limiter outage must not take the API down.
			s.logger.Printf("rate limiter check failed owner_id=%s err=%v", subject, err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r.URL.Path)).Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "rate limit exceeded",
		})
	})
}

// Only admissions are rate limited; polling and downloads stay cheap.
func shouldRateLimit(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return r.URL.Path == "/v1/exports" || r.URL.Path == "/v1/exports/chunked"
}
