package kafka

import (
	"fmt"
	"strings"

	"github.com/gestnote/ranking-guard/models"
)

// SecurityIntent is a classification published by a remote collaborator
// ("this request looks like X") that the gateway records locally.
type SecurityIntent struct {
	Type      string                 `json:"type"`
	IP        string                 `json:"ip"`
	UserAgent string                 `json:"userAgent"`
	Severity  string                 `json:"severity,omitempty"`
	Source    string                 `json:"source,omitempty"`
	// Service is set on events this gateway published itself.
	Service string `json:"service,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Republished reports whether the message is one of our own recorded
// events read back from the topic.
func (i SecurityIntent) Republished() bool {
	return i.Service == models.ServiceName
}

// ToEvent validates the intent and builds the event to record. A severity
// set by the classifier is kept; otherwise the type default applies.
func (i SecurityIntent) ToEvent() (models.SecurityEvent, error) {
	eventType, err := models.ParseEventType(strings.TrimSpace(i.Type))
	if err != nil {
		return models.SecurityEvent{}, fmt.Errorf("intent type %q: %w", i.Type, err)
	}

	ctx := make(map[string]interface{}, len(i.Context)+1)
	for k, v := range i.Context {
		ctx[k] = v
	}
	if i.Source != "" {
		ctx["source"] = i.Source
	}

	event := models.NewEvent(eventType, strings.TrimSpace(i.IP), i.UserAgent, ctx)
	if i.Severity != "" {
		event.Severity = models.ParseSeverity(i.Severity)
	}
	return event, nil
}
