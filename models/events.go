package models

// Constructors for the events raised by the request classifiers. Context
// keys follow the attributes the log analysis and dashboards expect.

func NewZeroGradeEvent(ip, userAgent string, grade float64, submission map[string]interface{}) SecurityEvent {
	return NewEvent(EventZeroGradeSubmission, ip, userAgent, map[string]interface{}{
		"grade":    grade,
		"userData": submission,
	})
}

func NewSuspiciousGradeEvent(ip, userAgent string, grade float64, reason string) SecurityEvent {
	return NewEvent(EventSuspiciousGrade, ip, userAgent, map[string]interface{}{
		"grade":  grade,
		"reason": reason,
	})
}

func NewRateLimitEvent(ip, userAgent string, limit int, windowMs int64, extra map[string]interface{}) SecurityEvent {
	ctx := map[string]interface{}{
		"limit":    limit,
		"windowMs": windowMs,
	}
	for k, v := range extra {
		ctx[k] = v
	}
	return NewEvent(EventRateLimitExceeded, ip, userAgent, ctx)
}

// NewBlockedRequestEvent is the record written when a request from a blocked
// address is rejected.
func NewBlockedRequestEvent(ip, userAgent, url, method string) SecurityEvent {
	return NewRateLimitEvent(ip, userAgent, 0, 0, map[string]interface{}{
		"reason": "blocked_ip",
		"url":    url,
		"method": method,
	})
}

func NewInvalidUserAgentEvent(ip, userAgent, expected string) SecurityEvent {
	return NewEvent(EventInvalidUserAgent, ip, userAgent, map[string]interface{}{
		"expected": expected,
	})
}

func NewSignatureEvent(eventType EventType, ip, userAgent, url string) SecurityEvent {
	return NewEvent(eventType, ip, userAgent, map[string]interface{}{
		"url": url,
	})
}

func NewMalformedRequestEvent(ip, userAgent string, validationErrors []string) SecurityEvent {
	return NewEvent(EventMalformedRequest, ip, userAgent, map[string]interface{}{
		"validationErrors": validationErrors,
	})
}

func NewCORSViolationEvent(ip, userAgent, origin string) SecurityEvent {
	return NewEvent(EventCORSViolation, ip, userAgent, map[string]interface{}{
		"origin": origin,
	})
}

func NewServerErrorEvent(ip, userAgent string, err error, extra map[string]interface{}) SecurityEvent {
	ctx := map[string]interface{}{}
	if err != nil {
		ctx["error"] = err.Error()
	}
	for k, v := range extra {
		ctx[k] = v
	}
	return NewEvent(EventServerError, ip, userAgent, ctx)
}
