package models

import "time"

// IPProfile is the aggregated view of one source address for a single
// analysis pass.
type IPProfile struct {
	IP         string            `json:"ip"`
	EventCount int               `json:"eventCount"`
	EventTypes map[EventType]int `json:"eventTypes"`
	FirstSeen  time.Time         `json:"firstSeen"`
	LastSeen   time.Time         `json:"lastSeen"`
	UserAgents []string          `json:"userAgents"`
	Severity   Severity          `json:"severity"`
}

type ReportSummary struct {
	TotalEvents         int  `json:"totalEvents"`
	UniqueIPs           int  `json:"uniqueIPs"`
	CriticalCount       int  `json:"criticalCount"`
	SuspiciousThreshold int  `json:"suspiciousThreshold"`
	HighRiskThreshold   int  `json:"highRiskThreshold"`
	SuspiciousIPCount   int  `json:"suspiciousIPCount"`
	HighRiskIPCount     int  `json:"highRiskIPCount"`
	Truncated           bool `json:"truncated"`
}

type CriticalEvent struct {
	IP        string        `json:"ip"`
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Details   SecurityEvent `json:"details"`
}

type RecommendationAction string

const (
	ActionBlockIPs             RecommendationAction = "block_ips"
	ActionMonitorIPs           RecommendationAction = "monitor_ips"
	ActionInvestigateZeroGrade RecommendationAction = "investigate_zero_grades"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
)

type Recommendation struct {
	Priority    Priority             `json:"priority"`
	Action      RecommendationAction `json:"action"`
	Description string               `json:"description"`
	IPs         []string             `json:"ips"`
}

type Report struct {
	Timestamp       time.Time        `json:"timestamp"`
	Summary         ReportSummary    `json:"summary"`
	SuspiciousIPs   []IPProfile      `json:"suspiciousIPs"`
	HighRiskIPs     []IPProfile      `json:"highRiskIPs"`
	CriticalEvents  []CriticalEvent  `json:"criticalEvents"`
	Recommendations []Recommendation `json:"recommendations"`
}

type BlocklistEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blockedAt"`
}

type BlocklistStats struct {
	Count      int       `json:"blockedCount"`
	LastUpdate time.Time `json:"lastUpdate"`
	Addresses  []string  `json:"blockedIPs"`
}

// BlocklistSnapshot is the on-disk document. Entries is absent in snapshots
// that only carry the address list.
type BlocklistSnapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Reason    string           `json:"reason"`
	IPs       []string         `json:"ips"`
	Count     int              `json:"count"`
	Entries   []BlocklistEntry `json:"entries,omitempty"`
}
