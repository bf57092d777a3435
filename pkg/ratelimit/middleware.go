package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/vesselhealth/vessel-control/pkg/domain"
	"github.com/vesselhealth/vessel-control/pkg/identity"
)

// Middleware wraps next with admission control. Denied requests receive a
// 429 with the observed window counts; store errors fail open.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := l.Check(r.Context(), identity.ClientID(r), r.URL.Path)
		if err != nil {
			l.logger.Error().Err(err).Msg("rate limit check failed")
			next.ServeHTTP(w, r)
			return
		}

		if res.Limit > 0 && !res.Fallback {
			WriteRateLimitHeaders(w, res.Limit, res.Remaining, res.Reset.Unix())
		}

		if !res.Allowed {
			if res.RetryAfter > 0 {
				secs := int(res.RetryAfter.Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			details := map[string]any{
				"minute_count": res.MinuteCount,
				"hour_count":   res.HourCount,
			}
			if res.DayCount > 0 {
				details["day_count"] = res.DayCount
			}
			domain.WriteError(w, http.StatusTooManyRequests, domain.ErrorResponse{
				Code:      domain.CodeRateLimited,
				Message:   "rate limit exceeded",
				RequestID: domain.RequestIDFromContext(r.Context()),
				Details:   details,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WriteRateLimitHeaders sets the standard X-RateLimit response headers.
func WriteRateLimitHeaders(w http.ResponseWriter, limit int, remaining int64, resetUnix int64) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetUnix, 10))
}
