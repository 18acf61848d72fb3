package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gestnote/ranking-guard/metrics"
	"github.com/gestnote/ranking-guard/models"
)

type fakeRecorder struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (f *fakeRecorder) Record(ctx context.Context, event models.SecurityEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeRecorder) types() []models.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func (f *fakeRecorder) last() models.SecurityEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

type staticBlocklist map[string]bool

func (s staticBlocklist) IsBlocked(ip string) bool { return s[ip] }

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "192.0.2.1", ClientIP(r, false))
	assert.Equal(t, "203.0.113.9", ClientIP(r, true))

	r.Header.Del("X-Forwarded-For")
	r.Header.Set("X-Real-IP", "203.0.113.10")
	assert.Equal(t, "203.0.113.10", ClientIP(r, true))

	r = httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(r, false))

	r.RemoteAddr = ""
	assert.Equal(t, models.UnknownValue, ClientIP(r, false))
}

func TestUserAgent(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Del("User-Agent")
	assert.Equal(t, models.UnknownValue, UserAgent(r))

	r.Header.Set("X-Extension-User-Agent", "GestNoteRanking/2.0")
	assert.Equal(t, "GestNoteRanking/2.0", UserAgent(r))
}

func TestBlocker_RejectsBlockedAddress(t *testing.T) {
	rec := &fakeRecorder{}
	m := metrics.New()
	blocker := NewBlocker(staticBlocklist{"203.0.113.5": true}, rec, m, zap.NewNop(), false)

	called := false
	req := httptest.NewRequest("POST", "/api/ranks", strings.NewReader(`{}`))
	req.RemoteAddr = "203.0.113.5:1234"
	w := httptest.NewRecorder()
	blocker.Enforce(okHandler(&called)).ServeHTTP(w, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, blockedResponse, w.Body.String())

	require.Len(t, rec.events, 1)
	event := rec.last()
	assert.Equal(t, models.EventRateLimitExceeded, event.Type)
	assert.Equal(t, "203.0.113.5", event.IP)
	assert.Equal(t, 0, event.Context["limit"])
	assert.Equal(t, int64(0), event.Context["windowMs"])
	assert.Equal(t, "blocked_ip", event.Context["reason"])
}

func TestBlocker_PassesUnblockedAddress(t *testing.T) {
	rec := &fakeRecorder{}
	blocker := NewBlocker(staticBlocklist{}, rec, nil, nil, false)

	called := false
	req := httptest.NewRequest("GET", "/api/ranks/abc", nil)
	w := httptest.NewRecorder()
	blocker.Enforce(okHandler(&called)).ServeHTTP(w, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, rec.events)
}

func TestUserAgentGuard(t *testing.T) {
	rec := &fakeRecorder{}
	guard := NewUserAgentGuard("GestNoteRanking/", rec, false)

	called := false
	req := httptest.NewRequest("GET", "/api/ranks/abc", nil)
	req.Header.Set("User-Agent", "curl/8.0")
	w := httptest.NewRecorder()
	guard.Check(okHandler(&called)).ServeHTTP(w, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, []models.EventType{models.EventInvalidUserAgent}, rec.types())

	req.Header.Set("User-Agent", "GestNoteRanking/1.0.7")
	w = httptest.NewRecorder()
	guard.Check(okHandler(&called)).ServeHTTP(w, req)
	assert.True(t, called)
}

func signedRequest(body, signature string) *http.Request {
	req := httptest.NewRequest("POST", "/api/ranks", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	return req
}

func TestSignatureVerifier(t *testing.T) {
	const secret = "s3cret"
	body := `{"hash":"abc","year":2025,"maquette":1,"departement":2,"grade":12.5}`

	tests := []struct {
		name      string
		secret    string
		signature string
		status    int
		event     models.EventType
	}{
		{"valid", secret, Sign(secret, []byte(body)), http.StatusOK, ""},
		{"missing", secret, "", http.StatusUnauthorized, models.EventMissingSignature},
		{"mismatch", secret, Sign("other", []byte(body)), http.StatusUnauthorized, models.EventInvalidSignature},
		{"not hex", secret, "zz", http.StatusUnauthorized, models.EventInvalidSignature},
		{"no secret", "", "abc", http.StatusInternalServerError, models.EventServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			var seen string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				data, _ := io.ReadAll(r.Body)
				seen = string(data)
			})

			w := httptest.NewRecorder()
			NewSignatureVerifier(tt.secret, rec, false).Verify(next).ServeHTTP(w, signedRequest(body, tt.signature))

			assert.Equal(t, tt.status, w.Code)
			if tt.event == "" {
				assert.Empty(t, rec.events)
				assert.Equal(t, body, seen)
				return
			}
			assert.Equal(t, []models.EventType{tt.event}, rec.types())
			assert.NotContains(t, w.Body.String(), secret)
		})
	}
}

func TestSignatureVerifier_OversizedBodyIsMalformed(t *testing.T) {
	const secret = "s3cret"
	body := `{"hash":"` + strings.Repeat("a", maxBodyBytes) + `"}`

	rec := &fakeRecorder{}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	w := httptest.NewRecorder()
	NewSignatureVerifier(secret, rec, false).Verify(next).ServeHTTP(w, signedRequest(body, Sign(secret, []byte(body))))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.False(t, called)
	assert.Equal(t, []models.EventType{models.EventMalformedRequest}, rec.types())
}

func TestReadBody_ExactLimitIsAccepted(t *testing.T) {
	body := strings.Repeat("a", maxBodyBytes)
	req := httptest.NewRequest("POST", "/api/ranks", strings.NewReader(body))

	got, err := readBody(req)
	require.NoError(t, err)
	assert.Len(t, got, maxBodyBytes)

	again, _ := io.ReadAll(req.Body)
	assert.Equal(t, body, string(again))
}

func TestParseSubmission(t *testing.T) {
	sub, problems := ParseSubmission([]byte(`{"hash":"abc","year":"2025","maquette":3,"departement":4,"grade":"15.25"}`))
	require.Empty(t, problems)
	assert.Equal(t, int64(2025), sub.Year)
	assert.Equal(t, 15.25, sub.Grade)

	_, problems = ParseSubmission([]byte(`{"year":2025.5,"maquette":"x","grade":true}`))
	assert.ElementsMatch(t, []string{
		"hash is required",
		"year must be an integer",
		"maquette must be a number",
		"departement is required",
		"grade must be a number",
	}, problems)

	_, problems = ParseSubmission([]byte(`[1,2]`))
	assert.NotEmpty(t, problems)
}

func TestSubmissionInspector(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		events []models.EventType
	}{
		{"ordinary grade", `{"hash":"a","year":1,"maquette":1,"departement":1,"grade":12}`, http.StatusOK, nil},
		{"zero grade passes", `{"hash":"a","year":1,"maquette":1,"departement":1,"grade":0}`, http.StatusOK,
			[]models.EventType{models.EventZeroGradeSubmission}},
		{"near perfect passes", `{"hash":"a","year":1,"maquette":1,"departement":1,"grade":19.75}`, http.StatusOK,
			[]models.EventType{models.EventSuspiciousGrade}},
		{"out of range rejected", `{"hash":"a","year":1,"maquette":1,"departement":1,"grade":21}`, http.StatusBadRequest,
			[]models.EventType{models.EventSuspiciousGrade}},
		{"negative rejected", `{"hash":"a","year":1,"maquette":1,"departement":1,"grade":-1}`, http.StatusBadRequest,
			[]models.EventType{models.EventSuspiciousGrade}},
		{"malformed", `{"hash":`, http.StatusBadRequest, []models.EventType{models.EventMalformedRequest}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			called := false
			w := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/api/ranks", strings.NewReader(tt.body))
			NewSubmissionInspector(19.5, rec, false).Inspect(okHandler(&called)).ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.status == http.StatusOK, called)
			if tt.events == nil {
				assert.Empty(t, rec.events)
			} else {
				assert.Equal(t, tt.events, rec.types())
			}
		})
	}
}

type fakeLimiter struct {
	allowed bool
	err     error
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, windowSec int) (bool, error) {
	return f.allowed, f.err
}

func (f *fakeLimiter) GetRemaining(ctx context.Context, key string, limit int, windowSec int) (int, error) {
	if f.allowed {
		return limit - 1, nil
	}
	return 0, nil
}

func TestRateLimit(t *testing.T) {
	t.Run("exceeded", func(t *testing.T) {
		rec := &fakeRecorder{}
		called := false
		w := httptest.NewRecorder()
		NewRateLimitMiddleware(&fakeLimiter{allowed: false}, rec, nil, 100, 60, false).
			RateLimit(okHandler(&called)).ServeHTTP(w, httptest.NewRequest("POST", "/api/ranks", nil))

		assert.False(t, called)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
		require.Len(t, rec.events, 1)
		assert.Equal(t, 100, rec.last().Context["limit"])
		assert.Equal(t, int64(60000), rec.last().Context["windowMs"])
	})

	t.Run("allowed", func(t *testing.T) {
		called := false
		w := httptest.NewRecorder()
		NewRateLimitMiddleware(&fakeLimiter{allowed: true}, nil, nil, 100, 60, false).
			RateLimit(okHandler(&called)).ServeHTTP(w, httptest.NewRequest("GET", "/api/ranks/x", nil))

		assert.True(t, called)
		assert.Equal(t, "99", w.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("limiter error fails open", func(t *testing.T) {
		rec := &fakeRecorder{}
		called := false
		w := httptest.NewRecorder()
		NewRateLimitMiddleware(&fakeLimiter{err: errors.New("redis down")}, rec, zap.NewNop(), 100, 60, false).
			RateLimit(okHandler(&called)).ServeHTTP(w, httptest.NewRequest("GET", "/api/ranks/x", nil))

		assert.True(t, called)
		assert.Empty(t, rec.events)
	})
}

func bearer(t *testing.T, secret, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + s
}

func TestAdminAuth(t *testing.T) {
	rec := &fakeRecorder{}
	auth := NewAdminAuth("admin-token", "jwt-secret", rec, false)

	check := func(setup func(r *http.Request)) int {
		called := false
		r := httptest.NewRequest("GET", "/admin/security/stats", nil)
		setup(r)
		w := httptest.NewRecorder()
		auth.Authenticate(okHandler(&called)).ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, check(func(r *http.Request) { r.Header.Set(AdminTokenHeader, "admin-token") }))
	assert.Equal(t, http.StatusOK, check(func(r *http.Request) { r.Header.Set("Authorization", bearer(t, "jwt-secret", "admin")) }))
	assert.Empty(t, rec.events)

	assert.Equal(t, http.StatusUnauthorized, check(func(r *http.Request) { r.Header.Set(AdminTokenHeader, "wrong") }))
	assert.Equal(t, http.StatusUnauthorized, check(func(r *http.Request) { r.Header.Set("Authorization", bearer(t, "jwt-secret", "user")) }))
	assert.Equal(t, http.StatusUnauthorized, check(func(r *http.Request) { r.Header.Set("Authorization", bearer(t, "other", "admin")) }))
	assert.Equal(t, http.StatusUnauthorized, check(func(r *http.Request) {}))
	assert.Len(t, rec.events, 4)
	assert.Equal(t, models.EventInvalidUserAgent, rec.last().Type)
}

func TestAdminAuth_FailsClosedWithoutSecrets(t *testing.T) {
	auth := NewAdminAuth("", "", nil, false)
	r := httptest.NewRequest("GET", "/admin/security/stats", nil)
	r.Header.Set(AdminTokenHeader, "")
	assert.False(t, auth.Authorized(r))
}

func TestCORS_RecordsViolation(t *testing.T) {
	rec := &fakeRecorder{}
	handler := CORS([]string{"https://gestnote.example"}, rec, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/api/ranks/x", nil)
	r.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, []models.EventType{models.EventCORSViolation}, rec.types())
	assert.Equal(t, "https://evil.example", rec.last().Context["origin"])

	r.Header.Set("Origin", "https://gestnote.example")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, "https://gestnote.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Len(t, rec.events, 1)
}

func TestLoggingMiddleware(t *testing.T) {
	called := false
	w := httptest.NewRecorder()
	NewLoggingMiddleware(zap.NewNop(), false).Log(okHandler(&called)).ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
}
