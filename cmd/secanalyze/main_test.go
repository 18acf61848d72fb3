package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gestnote/ranking-guard/blocklist"
	"github.com/gestnote/ranking-guard/models"
	"github.com/gestnote/ranking-guard/service"
)

func testReport() *models.Report {
	seen := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.Report{
		Timestamp: seen,
		Summary: models.ReportSummary{
			TotalEvents:         14,
			UniqueIPs:           3,
			CriticalCount:       1,
			SuspiciousThreshold: 5,
			HighRiskThreshold:   10,
			SuspiciousIPCount:   1,
			HighRiskIPCount:     2,
		},
		HighRiskIPs: []models.IPProfile{
			{IP: "203.0.113.5", EventCount: 12, Severity: models.SeverityHigh, LastSeen: seen, EventTypes: map[models.EventType]int{
				models.EventRateLimitExceeded:   10,
				models.EventZeroGradeSubmission: 2,
			}},
			{IP: "::1", EventCount: 1, Severity: models.SeverityCritical, LastSeen: seen},
		},
		SuspiciousIPs: []models.IPProfile{
			{IP: "203.0.113.5", EventCount: 12, Severity: models.SeverityHigh, LastSeen: seen},
		},
		CriticalEvents: []models.CriticalEvent{
			{IP: "::1", Type: models.EventServerError, Timestamp: seen},
		},
		Recommendations: []models.Recommendation{
			{Priority: models.PriorityHigh, Action: models.ActionBlockIPs, Description: "Block high-risk IPs", IPs: []string{"203.0.113.5", "::1"}},
		},
	}
}

func TestBlockRecommended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ip_blocklist.json")
	store := blocklist.New(blocklist.Options{Path: path}, zap.NewNop())

	added, err := blockRecommended(context.Background(), store, testReport())
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.True(t, store.IsBlocked("203.0.113.5"))
	assert.False(t, store.Contains("::1"))
	assert.Equal(t, service.AutoBlockReason, store.Entries()[0].Reason)

	added, err = blockRecommended(context.Background(), store, testReport())
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestBlockRecommended_Cancelled(t *testing.T) {
	store := blocklist.New(blocklist.Options{Ephemeral: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := blockRecommended(ctx, store, testReport())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.Stats().Count)
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, testReport())
	out := buf.String()

	assert.Contains(t, out, "events: 14  addresses: 3  critical: 1")
	assert.Contains(t, out, "High risk (>= 10 events or critical): 2")
	assert.Contains(t, out, "Suspicious (>= 5 events): 1")
	assert.Contains(t, out, "203.0.113.5")
	assert.Contains(t, out, "[high] block_ips: Block high-risk IPs")
	assert.Contains(t, out, "zero_grade_submission=2 rate_limit_exceeded=10")
	assert.NotContains(t, out, "partial")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, testReport()))
	assert.Contains(t, buf.String(), `"highRiskIPCount": 2`)
}
