package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/gestnote/ranking-guard/models"
)

const (
	minGrade = 0.0
	maxGrade = 20.0
)

// Submission is a grade sent by the ranking client.
type Submission struct {
	Hash        string  `json:"hash"`
	Year        int64   `json:"year"`
	Maquette    int64   `json:"maquette"`
	Departement int64   `json:"departement"`
	Grade       float64 `json:"grade"`
}

// ParseSubmission validates a submission body and lists every problem found.
func ParseSubmission(body []byte) (*Submission, []string) {
	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, []string{"body must be a JSON object"}
	}

	var problems []string
	sub := &Submission{}

	if hash, ok := raw["hash"].(string); !ok || strings.TrimSpace(hash) == "" {
		problems = append(problems, "hash is required")
	} else {
		sub.Hash = hash
	}

	for _, field := range []struct {
		name string
		dst  *int64
	}{
		{"year", &sub.Year},
		{"maquette", &sub.Maquette},
		{"departement", &sub.Departement},
	} {
		n, err := number(raw[field.name])
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s %s", field.name, err))
			continue
		}
		if n != math.Trunc(n) {
			problems = append(problems, field.name+" must be an integer")
			continue
		}
		*field.dst = int64(n)
	}

	grade, err := number(raw["grade"])
	if err != nil {
		problems = append(problems, "grade "+err.Error())
	} else {
		sub.Grade = grade
	}

	if len(problems) > 0 {
		return nil, problems
	}
	return sub, nil
}

// number accepts JSON numbers and numeric strings.
func number(v interface{}) (float64, error) {
	var s string
	switch t := v.(type) {
	case nil:
		return 0, fmt.Errorf("is required")
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	default:
		return 0, fmt.Errorf("must be a number")
	}
	f, err := json.Number(s).Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("must be a number")
	}
	return f, nil
}

// SubmissionInspector classifies grade submissions. Out-of-range grades and
// malformed bodies are rejected; zero and near-perfect grades pass but are
// recorded.
type SubmissionInspector struct {
	suspiciousFloor float64
	recorder        EventRecorder
	trustProxy      bool
}

func NewSubmissionInspector(suspiciousFloor float64, recorder EventRecorder, trustProxy bool) *SubmissionInspector {
	return &SubmissionInspector{suspiciousFloor: suspiciousFloor, recorder: recorder, trustProxy: trustProxy}
}

func (m *SubmissionInspector) Inspect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, m.trustProxy)
		ua := UserAgent(r)

		body, err := readBody(r)
		if err != nil {
			rejectUnreadable(w, r, m.recorder, ip, ua, err)
			return
		}

		sub, problems := ParseSubmission(body)
		if len(problems) > 0 {
			m.record(r, models.NewMalformedRequestEvent(ip, ua, problems))
			writeJSONError(w, http.StatusBadRequest, `{"error":"Invalid data"}`)
			return
		}

		switch {
		case sub.Grade < minGrade || sub.Grade > maxGrade:
			m.record(r, models.NewSuspiciousGradeEvent(ip, ua, sub.Grade, "out of range"))
			writeJSONError(w, http.StatusBadRequest, `{"error":"Invalid data"}`)
			return
		case sub.Grade == 0:
			m.record(r, models.NewZeroGradeEvent(ip, ua, sub.Grade, map[string]interface{}{
				"hash":        sub.Hash,
				"year":        sub.Year,
				"maquette":    sub.Maquette,
				"departement": sub.Departement,
			}))
		case m.suspiciousFloor > 0 && sub.Grade >= m.suspiciousFloor:
			m.record(r, models.NewSuspiciousGradeEvent(ip, ua, sub.Grade, "unusually high"))
		}

		next.ServeHTTP(w, r)
	})
}

func (m *SubmissionInspector) record(r *http.Request, event models.SecurityEvent) {
	if m.recorder != nil {
		m.recorder.Record(r.Context(), event)
	}
}
