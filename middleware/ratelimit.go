package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gestnote/ranking-guard/models"
)

type Limiter interface {
	Allow(ctx context.Context, key string, limit int, windowSec int) (bool, error)
	GetRemaining(ctx context.Context, key string, limit int, windowSec int) (int, error)
}

type RateLimitMiddleware struct {
	limiter       Limiter
	recorder      EventRecorder
	logger        *zap.Logger
	limit         int
	windowSeconds int
	trustProxy    bool
}

func NewRateLimitMiddleware(
	limiter Limiter,
	recorder EventRecorder,
	logger *zap.Logger,
	limit int,
	windowSeconds int,
	trustProxy bool,
) *RateLimitMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimitMiddleware{
		limiter:       limiter,
		recorder:      recorder,
		logger:        logger,
		limit:         limit,
		windowSeconds: windowSeconds,
		trustProxy:    trustProxy,
	}
}

// RateLimit applies a per address and path sliding window. Limiter errors
// let the request through.
func (m *RateLimitMiddleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.limiter == nil || m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		ip := ClientIP(r, m.trustProxy)
		key := fmt.Sprintf("rate:ip:%s:%s", ip, r.URL.Path)

		allowed, err := m.limiter.Allow(ctx, key, m.limit, m.windowSeconds)
		if err != nil {
			m.logger.Warn("rate limiter unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		remaining, err := m.limiter.GetRemaining(ctx, key, m.limit, m.windowSeconds)
		if err != nil || remaining < 0 {
			remaining = 0
		}
		resetTime := time.Now().Add(time.Duration(m.windowSeconds) * time.Second)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(m.windowSeconds))

			if m.recorder != nil {
				m.recorder.Record(ctx, models.NewRateLimitEvent(ip, UserAgent(r), m.limit, int64(m.windowSeconds)*1000, map[string]interface{}{
					"url":    r.URL.String(),
					"method": r.Method,
				}))
			}

			writeJSONError(w, http.StatusTooManyRequests,
				`{"error":"rate limit exceeded","retry_after":`+strconv.Itoa(m.windowSeconds)+`}`)
			return
		}

		next.ServeHTTP(w, r)
	})
}
