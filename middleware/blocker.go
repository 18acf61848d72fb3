package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/gestnote/ranking-guard/metrics"
	"github.com/gestnote/ranking-guard/models"
)

const blockedResponse = `{"error":"access forbidden","message":"Your IP address has been blocked due to suspicious activity."}`

type BlockChecker interface {
	IsBlocked(ip string) bool
}

// Blocker rejects requests from blocked addresses before anything else
// touches them.
type Blocker struct {
	store      BlockChecker
	recorder   EventRecorder
	metrics    *metrics.Metrics
	logger     *zap.Logger
	trustProxy bool
}

func NewBlocker(store BlockChecker, recorder EventRecorder, m *metrics.Metrics, logger *zap.Logger, trustProxy bool) *Blocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Blocker{
		store:      store,
		recorder:   recorder,
		metrics:    m,
		logger:     logger,
		trustProxy: trustProxy,
	}
}

func (m *Blocker) Enforce(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, m.trustProxy)

		if m.store != nil && m.store.IsBlocked(ip) {
			if m.recorder != nil {
				m.recorder.Record(r.Context(), models.NewBlockedRequestEvent(ip, UserAgent(r), r.URL.String(), r.Method))
			}
			m.metrics.RequestBlocked()
			m.logger.Debug("blocked request rejected", zap.String("ip", ip), zap.String("path", r.URL.Path))

			writeJSONError(w, http.StatusForbidden, blockedResponse)
			return
		}

		next.ServeHTTP(w, r)
	})
}
