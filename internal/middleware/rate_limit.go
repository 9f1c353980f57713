package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"token-service/pkg/errors"
)

const rateLimitPrefix = "rate_limit:"

// Counter is a fixed-window request counter. IncrWithTTL must start the
// window on the first increment.
type Counter interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RateLimitMiddleware caps requests per client address and path to
// limit per window. A limit <= 0 disables it. Store errors let the
// request through.
func RateLimitMiddleware(counter Counter, logger *zap.Logger, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitPrefix + r.URL.Path + ":" + ClientIP(r)
			count, err := counter.IncrWithTTL(r.Context(), key, window)
			if err != nil {
				logger.Warn("Rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if count > int64(limit) {
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				writeError(w, errors.ErrRateLimitExceeded)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
