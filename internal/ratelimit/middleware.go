package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/HanTheDev/risk-scoring-gateway/internal/models"
)

// KeyFunc extracts the caller credential from a request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// Middleware admits each request through rl and answers 429 when the caller
// is over its limit.
func (rl *RateLimiter) Middleware(keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			decision := rl.Admit(r.Context(), key)
			WriteHeaders(w, rl.cfg.Limit, decision)
			if !decision.Allowed {
				WriteRejection(w, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteHeaders sets the X-RateLimit-* headers for decision.
func WriteHeaders(w http.ResponseWriter, limit int, decision models.AdmitDecision) {
	if limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(decision.Remaining, 0)))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
}

// WriteRejection writes the 429 response for a rejected decision.
func WriteRejection(w http.ResponseWriter, decision models.AdmitDecision) {
	retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       "rate_limit_exceeded",
		"message":     "Too many requests. Please slow down.",
		"retry_after": retryAfter,
		"reset_at":    decision.ResetAt,
	})
}
