package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ServiceName    = "gestnote-security"
	UnknownValue   = "unknown"
	legacyTimeForm = "2006-01-02 15:04:05"
)

var ErrUnknownEventType = errors.New("unknown security event type")

type EventType string

const (
	EventZeroGradeSubmission EventType = "zero_grade_submission"
	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
	EventInvalidUserAgent    EventType = "invalid_user_agent"
	EventInvalidSignature    EventType = "invalid_hmac_signature"
	EventMissingSignature    EventType = "missing_hmac"
	EventMalformedRequest    EventType = "malformed_request"
	EventSuspiciousGrade     EventType = "suspicious_grade"
	EventServerError         EventType = "server_error"
	EventCORSViolation       EventType = "cors_violation"
)

type eventTypeInfo struct {
	severity Severity
	message  string
}

var eventTypes = map[EventType]eventTypeInfo{
	EventZeroGradeSubmission: {SeverityMedium, "Zero grade submission detected"},
	EventRateLimitExceeded:   {SeverityHigh, "Rate limit exceeded"},
	EventInvalidUserAgent:    {SeverityMedium, "Invalid User-Agent detected"},
	EventInvalidSignature:    {SeverityHigh, "Invalid HMAC signature"},
	EventMissingSignature:    {SeverityHigh, "Missing HMAC signature"},
	EventMalformedRequest:    {SeverityMedium, "Malformed request received"},
	EventSuspiciousGrade:     {SeverityMedium, "Suspicious grade value"},
	EventServerError:         {SeverityCritical, "Server error occurred"},
	EventCORSViolation:       {SeverityMedium, "CORS violation detected"},
}

// ParseEventType maps a wire value onto the closed set of event types.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", ErrUnknownEventType
	}
	return t, nil
}

func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// DefaultSeverity is the severity assigned when the event is classified.
func (t EventType) DefaultSeverity() Severity {
	if info, ok := eventTypes[t]; ok {
		return info.severity
	}
	return SeverityLow
}

func (t EventType) Message() string {
	if info, ok := eventTypes[t]; ok {
		return info.message
	}
	return "Security event"
}

func AllEventTypes() []EventType {
	return []EventType{
		EventZeroGradeSubmission,
		EventRateLimitExceeded,
		EventInvalidUserAgent,
		EventInvalidSignature,
		EventMissingSignature,
		EventMalformedRequest,
		EventSuspiciousGrade,
		EventServerError,
		EventCORSViolation,
	}
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity never fails: anything unrecognised is treated as low.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityMedium:
		return SeverityMedium
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityLow
	}
}

func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// SecurityEvent is one observed anomaly. It is immutable once built.
type SecurityEvent struct {
	ID        string                 `json:"id,omitempty"`
	Type      EventType              `json:"type"`
	IP        string                 `json:"ip"`
	UserAgent string                 `json:"userAgent"`
	Severity  Severity               `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message,omitempty"`
	Service   string                 `json:"service,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func NewEvent(eventType EventType, ip, userAgent string, context map[string]interface{}) SecurityEvent {
	if ip == "" {
		ip = UnknownValue
	}
	if userAgent == "" {
		userAgent = UnknownValue
	}
	return SecurityEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		IP:        ip,
		UserAgent: userAgent,
		Severity:  eventType.DefaultSeverity(),
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Message:   eventType.Message(),
		Service:   ServiceName,
		Context:   context,
	}
}

func (e SecurityEvent) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// Level mirrors the log level the record is written at.
func (e SecurityEvent) Level() string {
	if e.IsCritical() {
		return "error"
	}
	return "warn"
}

type wireEvent struct {
	ID        string                 `json:"id,omitempty"`
	Type      EventType              `json:"type"`
	IP        string                 `json:"ip"`
	UserAgent string                 `json:"userAgent"`
	Severity  Severity               `json:"severity"`
	Level     string                 `json:"level"`
	Timestamp string                 `json:"timestamp"`
	Message   string                 `json:"message,omitempty"`
	Service   string                 `json:"service,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func (e SecurityEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		ID:        e.ID,
		Type:      e.Type,
		IP:        e.IP,
		UserAgent: e.UserAgent,
		Severity:  e.Severity,
		Level:     e.Level(),
		Message:   e.Message,
		Service:   e.Service,
		Context:   e.Context,
	}
	if !e.Timestamp.IsZero() {
		w.Timestamp = e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return json.Marshal(w)
}

// DecodeEvent parses one log line. Missing fields take their documented
// defaults; a missing or unrecognised type is rejected.
func DecodeEvent(line []byte) (SecurityEvent, error) {
	var raw struct {
		ID        string                 `json:"id"`
		Type      string                 `json:"type"`
		IP        *string                `json:"ip"`
		UserAgent *string                `json:"userAgent"`
		Severity  string                 `json:"severity"`
		Timestamp string                 `json:"timestamp"`
		Message   string                 `json:"message"`
		Service   string                 `json:"service"`
		Context   map[string]interface{} `json:"context"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return SecurityEvent{}, err
	}

	eventType, err := ParseEventType(raw.Type)
	if err != nil {
		return SecurityEvent{}, err
	}

	event := SecurityEvent{
		ID:        raw.ID,
		Type:      eventType,
		IP:        UnknownValue,
		UserAgent: UnknownValue,
		Severity:  ParseSeverity(raw.Severity),
		Timestamp: ParseTimestamp(raw.Timestamp),
		Message:   raw.Message,
		Service:   raw.Service,
		Context:   raw.Context,
	}
	if raw.IP != nil && strings.TrimSpace(*raw.IP) != "" {
		event.IP = strings.TrimSpace(*raw.IP)
	}
	if raw.UserAgent != nil && *raw.UserAgent != "" {
		event.UserAgent = *raw.UserAgent
	}
	return event, nil
}

// ParseTimestamp returns the zero time when s is empty or unparseable.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.ParseInLocation(legacyTimeForm, s, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}
