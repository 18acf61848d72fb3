package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gestnote/ranking-guard/analyzer"
	"github.com/gestnote/ranking-guard/models"
)

const (
	DefaultBlockReason = "Manual admin block"
	AutoBlockReason    = "Auto-block from security analysis"
)

var ErrAddressRequired = errors.New("ip address required")

type LogAnalyzer interface {
	Analyze(ctx context.Context) (*models.Report, error)
}

type Blocklist interface {
	Block(ip, reason string) error
	Unblock(ip string) error
	Contains(ip string) bool
	Stats() models.BlocklistStats
}

type SecuritySummary struct {
	TotalEvents    int `json:"totalEvents"`
	UniqueIPs      int `json:"uniqueIPs"`
	CriticalEvents int `json:"criticalEvents"`
	SuspiciousIPs  int `json:"suspiciousIPs"`
	HighRiskIPs    int `json:"highRiskIPs"`
}

type StatsResult struct {
	Timestamp       time.Time               `json:"timestamp"`
	Security        SecuritySummary         `json:"security"`
	BlockedIPs      models.BlocklistStats   `json:"blockedIPs"`
	Recommendations []models.Recommendation `json:"recommendations"`
}

type AnalyzeResult struct {
	Report       *models.Report
	Recommended  []string
	NewlyBlocked int
}

// SecurityService implements the admin operations over the analyzer and the
// blocklist. At most one analysis runs at a time.
type SecurityService struct {
	analyzer  LogAnalyzer
	blocklist Blocklist
	logger    *zap.Logger

	analysisMu sync.Mutex
}

func NewSecurityService(a LogAnalyzer, b Blocklist, logger *zap.Logger) *SecurityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecurityService{analyzer: a, blocklist: b, logger: logger.Named("security")}
}

func (s *SecurityService) analyze(ctx context.Context) (*models.Report, error) {
	s.analysisMu.Lock()
	defer s.analysisMu.Unlock()

	return s.runAnalyzer(ctx)
}

// runAnalyzer must be called with analysisMu held.
func (s *SecurityService) runAnalyzer(ctx context.Context) (*models.Report, error) {
	report, err := s.analyzer.Analyze(ctx)
	if err != nil {
		return nil, fmt.Errorf("analyze security logs: %w", err)
	}
	return report, nil
}

func (s *SecurityService) Stats(ctx context.Context) (*StatsResult, error) {
	report, err := s.analyze(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsResult{
		Timestamp: time.Now().UTC(),
		Security: SecuritySummary{
			TotalEvents:    report.Summary.TotalEvents,
			UniqueIPs:      report.Summary.UniqueIPs,
			CriticalEvents: report.Summary.CriticalCount,
			SuspiciousIPs:  report.Summary.SuspiciousIPCount,
			HighRiskIPs:    report.Summary.HighRiskIPCount,
		},
		BlockedIPs:      s.blocklist.Stats(),
		Recommendations: report.Recommendations,
	}, nil
}

func (s *SecurityService) Report(ctx context.Context) (*models.Report, error) {
	return s.analyze(ctx)
}

// Block returns the number of blocked addresses after the change.
func (s *SecurityService) Block(ip, reason string) (int, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return 0, ErrAddressRequired
	}
	if strings.TrimSpace(reason) == "" {
		reason = DefaultBlockReason
	}
	if err := s.blocklist.Block(ip, reason); err != nil {
		return 0, err
	}
	return s.blocklist.Stats().Count, nil
}

func (s *SecurityService) Unblock(ip string) (int, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return 0, ErrAddressRequired
	}
	if err := s.blocklist.Unblock(ip); err != nil {
		return 0, err
	}
	return s.blocklist.Stats().Count, nil
}

func (s *SecurityService) Blocked() models.BlocklistStats {
	return s.blocklist.Stats()
}

// Analyze runs a fresh analysis. With autoBlock every recommended address
// that is not blocked yet gets blocked; a failed block fails the call.
func (s *SecurityService) Analyze(ctx context.Context, autoBlock bool) (*AnalyzeResult, error) {
	s.analysisMu.Lock()
	defer s.analysisMu.Unlock()

	return s.analyzeLocked(ctx, autoBlock)
}

func (s *SecurityService) analyzeLocked(ctx context.Context, autoBlock bool) (*AnalyzeResult, error) {
	report, err := s.runAnalyzer(ctx)
	if err != nil {
		return nil, err
	}

	result := &AnalyzeResult{
		Report:      report,
		Recommended: analyzer.BlockCandidates(report),
	}
	if !autoBlock {
		return result, nil
	}

	for _, ip := range result.Recommended {
		if s.blocklist.Contains(ip) {
			continue
		}
		if err := s.blocklist.Block(ip, AutoBlockReason); err != nil {
			return nil, fmt.Errorf("auto-block %s: %w", ip, err)
		}
		result.NewlyBlocked++
	}
	if result.NewlyBlocked > 0 {
		s.logger.Info("auto-blocked high-risk addresses", zap.Int("count", result.NewlyBlocked))
	}
	return result, nil
}

// RunScheduler analyzes every interval until ctx is done. A tick is skipped
// while another analysis is still running.
func (s *SecurityService) RunScheduler(ctx context.Context, interval time.Duration, autoBlock bool) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("scheduled analysis enabled", zap.Duration("interval", interval), zap.Bool("autoBlock", autoBlock))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx, autoBlock)
		}
	}
}

func (s *SecurityService) tick(ctx context.Context, autoBlock bool) {
	if !s.analysisMu.TryLock() {
		s.logger.Debug("analysis already running, skipping tick")
		return
	}
	defer s.analysisMu.Unlock()

	result, err := s.analyzeLocked(ctx, autoBlock)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("scheduled analysis failed", zap.Error(err))
		}
		return
	}
	s.logger.Info("scheduled analysis completed",
		zap.Int("totalEvents", result.Report.Summary.TotalEvents),
		zap.Int("highRiskIPs", result.Report.Summary.HighRiskIPCount),
		zap.Int("newlyBlocked", result.NewlyBlocked),
	)
}
