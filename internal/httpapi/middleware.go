// Copyright 2025 James Ross
package httpapi

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// recoveryMiddleware turns a panic in a handler into a 500 instead of
// crashing the process, grounded on the teacher's admin-api RecoveryMiddleware.
func recoveryMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered in httpapi handler", zap.Any("recover", rec), zap.String("path", r.URL.Path))
					writeJSON(w, http.StatusInternalServerError, errorBody{Error: "INTERNAL", Message: "internal error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogMiddleware logs each request at debug level, matching the
// teacher's structured per-request logging convention.
func requestLogMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debug("http request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimiter's middleware applies one process-wide token bucket for basic
// backpressure, per SPEC_FULL.md §B: the smallest concrete instance of the
// rate-limiting concern the teacher carries across several packages. Router
// wraps every route with it, consumer and admin routes as well as enqueue.
type rateLimiter struct {
	mu sync.Mutex
	l  *rate.Limiter
}

func newRateLimiter(perSec float64, burst int) *rateLimiter {
	if perSec <= 0 {
		perSec = 100
	}
	if burst <= 0 {
		burst = 200
	}
	return &rateLimiter{l: rate.NewLimiter(rate.Limit(perSec), burst)}
}

func (rl *rateLimiter) middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.l.Allow() {
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "RATE_LIMIT", Message: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
