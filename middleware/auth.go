package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gestnote/ranking-guard/models"
)

const AdminTokenHeader = "X-Admin-Token"

var errNoAdminCredentials = errors.New("no admin credentials configured")

// AdminAuth gates the admin surface. A request is admitted with the static
// admin token or an HS256 bearer token whose role claim is "admin". With no
// secret configured every request is refused.
type AdminAuth struct {
	token      string
	jwtSecret  string
	recorder   EventRecorder
	trustProxy bool
}

func NewAdminAuth(token, jwtSecret string, recorder EventRecorder, trustProxy bool) *AdminAuth {
	return &AdminAuth{token: token, jwtSecret: jwtSecret, recorder: recorder, trustProxy: trustProxy}
}

func (m *AdminAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Authorized(r) {
			next.ServeHTTP(w, r)
			return
		}

		if m.recorder != nil {
			ip := ClientIP(r, m.trustProxy)
			event := models.NewEvent(models.EventInvalidUserAgent, ip, UserAgent(r), map[string]interface{}{
				"url":    r.URL.String(),
				"method": r.Method,
				"reason": "admin authorization failed",
			})
			m.recorder.Record(r.Context(), event)
		}
		writeJSONError(w, http.StatusUnauthorized, `{"error":"Administration token required"}`)
	})
}

func (m *AdminAuth) Authorized(r *http.Request) bool {
	if m.token != "" {
		if got := r.Header.Get(AdminTokenHeader); got != "" &&
			subtle.ConstantTimeCompare([]byte(got), []byte(m.token)) == 1 {
			return true
		}
	}

	authHeader := r.Header.Get("Authorization")
	if m.jwtSecret != "" && strings.HasPrefix(authHeader, "Bearer ") {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		return m.validBearer(tokenString) == nil
	}
	return false
}

func (m *AdminAuth) validBearer(tokenString string) error {
	if m.jwtSecret == "" {
		return errNoAdminCredentials
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(m.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return jwt.ErrTokenInvalidClaims
	}
	if role, _ := claims["role"].(string); role != "admin" {
		return jwt.ErrTokenInvalidClaims
	}
	return nil
}
