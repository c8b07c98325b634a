package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/alecgard/metergate/internal/auth"
)

// Middleware enforces limits per authenticated worker (set by
// auth.WorkerAuthMiddleware). The worker's name is the bucket key and its
// RateLimit the custom rate.
//
// Rate-limit headers are set on every limited response:
//
//	X-RateLimit-Limit     maximum requests allowed in the window
//	X-RateLimit-Remaining tokens remaining in the current window
//	X-RateLimit-Reset     Unix timestamp when the bucket is fully replenished
//
// When the limit is exceeded the middleware responds with HTTP 429 and a
// Retry-After header.
func Middleware(limiter *Limiter, onReject ...func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			worker := auth.WorkerFromContext(r.Context())
			if worker == nil {
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Take(worker.Name, worker.RateLimit)
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			}

			if !d.Allowed {
				for _, fn := range onReject {
					fn()
				}
				// One token accrues every window/limit.
				retry := int(limiter.window.Seconds()/float64(d.Limit) + 0.999)
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Rate limit exceeded. Try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
