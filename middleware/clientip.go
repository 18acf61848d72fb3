package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gestnote/ranking-guard/models"
)

// EventRecorder is the side channel classifiers report anomalies to.
type EventRecorder interface {
	Record(ctx context.Context, event models.SecurityEvent)
}

// ClientIP resolves the source address. Forwarding headers are only
// honoured when the gateway sits behind a trusted proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ips := strings.Split(xff, ",")
			if ip := strings.TrimSpace(ips[0]); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if ip := strings.Trim(r.RemoteAddr, "[]"); ip != "" {
		return ip
	}
	return models.UnknownValue
}

func UserAgent(r *http.Request) string {
	if ua := r.Header.Get("User-Agent"); ua != "" {
		return ua
	}
	if ua := r.Header.Get("X-Extension-User-Agent"); ua != "" {
		return ua
	}
	return models.UnknownValue
}

func writeJSONError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
