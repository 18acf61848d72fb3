package middleware

import (
	"net/http"

	"github.com/go-chi/cors"

	"github.com/gestnote/ranking-guard/models"
)

// CORS builds the cross-origin handler. Origins outside the allow list are
// refused by the browser and recorded as violations here.
func CORS(allowed []string, recorder EventRecorder, trustProxy bool) func(http.Handler) http.Handler {
	allowAll := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[o] = struct{}{}
	}

	return cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if allowAll {
				return true
			}
			if _, ok := set[origin]; ok {
				return true
			}
			if recorder != nil {
				recorder.Record(r.Context(), models.NewCORSViolationEvent(ClientIP(r, trustProxy), UserAgent(r), origin))
			}
			return false
		},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", SignatureHeader, AdminTokenHeader, "X-Extension-User-Agent"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
