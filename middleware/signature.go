package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gestnote/ranking-guard/models"
)

const (
	SignatureHeader = "X-GestNote-Signature"
	maxBodyBytes    = 1 << 20
)

var (
	errSecretMissing = errors.New("signature secret is not configured")
	errBodyTooLarge  = errors.New("body exceeds 1 MiB")
)

// readBody buffers the request body and puts an equivalent reader back so
// later handlers can read it again. Bodies over maxBodyBytes are rejected.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	r.Body.Close()
	if err == nil && len(body) > maxBodyBytes {
		body, err = body[:maxBodyBytes], errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, err
}

// rejectUnreadable answers a body readBody refused and records it as
// malformed.
func rejectUnreadable(w http.ResponseWriter, r *http.Request, recorder EventRecorder, ip, ua string, err error) {
	if recorder != nil {
		recorder.Record(r.Context(), models.NewMalformedRequestEvent(ip, ua, []string{err.Error()}))
	}
	if errors.Is(err, errBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, `{"error":"Request body too large"}`)
		return
	}
	writeJSONError(w, http.StatusBadRequest, `{"error":"Invalid data"}`)
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type SignatureVerifier struct {
	secret     string
	recorder   EventRecorder
	trustProxy bool
}

func NewSignatureVerifier(secret string, recorder EventRecorder, trustProxy bool) *SignatureVerifier {
	return &SignatureVerifier{secret: secret, recorder: recorder, trustProxy: trustProxy}
}

func (m *SignatureVerifier) Verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, m.trustProxy)
		ua := UserAgent(r)

		if m.secret == "" {
			m.record(r, models.NewServerErrorEvent(ip, ua, errSecretMissing, map[string]interface{}{
				"operation": "signature verification",
			}))
			writeJSONError(w, http.StatusInternalServerError, `{"error":"Server HMAC secret misconfigured"}`)
			return
		}

		signature := strings.TrimSpace(r.Header.Get(SignatureHeader))
		if signature == "" {
			m.record(r, models.NewSignatureEvent(models.EventMissingSignature, ip, ua, r.URL.String()))
			writeJSONError(w, http.StatusUnauthorized, `{"error":"missing signature"}`)
			return
		}

		body, err := readBody(r)
		if err != nil {
			rejectUnreadable(w, r, m.recorder, ip, ua, err)
			return
		}

		got, err := hex.DecodeString(strings.ToLower(signature))
		want, _ := hex.DecodeString(Sign(m.secret, body))
		if err != nil || !hmac.Equal(got, want) {
			m.record(r, models.NewSignatureEvent(models.EventInvalidSignature, ip, ua, r.URL.String()))
			writeJSONError(w, http.StatusUnauthorized, `{"error":"invalid signature"}`)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *SignatureVerifier) record(r *http.Request, event models.SecurityEvent) {
	if m.recorder != nil {
		m.recorder.Record(r.Context(), event)
	}
}
