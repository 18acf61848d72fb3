package middleware

import (
	"net/http"
	"strings"

	"github.com/gestnote/ranking-guard/models"
)

type UserAgentGuard struct {
	prefix     string
	recorder   EventRecorder
	trustProxy bool
}

func NewUserAgentGuard(prefix string, recorder EventRecorder, trustProxy bool) *UserAgentGuard {
	return &UserAgentGuard{prefix: prefix, recorder: recorder, trustProxy: trustProxy}
}

// Check rejects clients that do not announce themselves with the expected
// agent prefix. An empty prefix disables the guard.
func (m *UserAgentGuard) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua := UserAgent(r)
		if m.prefix == "" || strings.HasPrefix(ua, m.prefix) {
			next.ServeHTTP(w, r)
			return
		}

		if m.recorder != nil {
			ip := ClientIP(r, m.trustProxy)
			m.recorder.Record(r.Context(), models.NewInvalidUserAgentEvent(ip, ua, m.prefix))
		}
		writeJSONError(w, http.StatusForbidden, `{"error":"invalid client"}`)
	})
}
