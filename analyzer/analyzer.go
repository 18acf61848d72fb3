package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/gestnote/ranking-guard/metrics"
	"github.com/gestnote/ranking-guard/models"
)

const (
	DefaultSuspiciousThreshold       = 5
	DefaultHighRiskThreshold         = 10
	DefaultMaxRecords                = 1000000
	DefaultRecentCritical            = 20
	DefaultBlockSampleSize           = 10
	DefaultMonitorSampleSize         = 20
	DefaultMonitorMinSuspicious      = 10
	DefaultZeroGradeInvestigateAbove = 3
)

type Options struct {
	GeneralPath  string
	CriticalPath string

	SuspiciousThreshold int
	HighRiskThreshold   int
	MaxRecords          int

	RecentCritical            int
	BlockSampleSize           int
	MonitorSampleSize         int
	MonitorMinSuspicious      int
	ZeroGradeInvestigateAbove int

	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (o *Options) setDefaults() {
	if o.SuspiciousThreshold <= 0 {
		o.SuspiciousThreshold = DefaultSuspiciousThreshold
	}
	if o.HighRiskThreshold <= 0 {
		o.HighRiskThreshold = DefaultHighRiskThreshold
	}
	if o.MaxRecords <= 0 {
		o.MaxRecords = DefaultMaxRecords
	}
	if o.RecentCritical <= 0 {
		o.RecentCritical = DefaultRecentCritical
	}
	if o.BlockSampleSize <= 0 {
		o.BlockSampleSize = DefaultBlockSampleSize
	}
	if o.MonitorSampleSize <= 0 {
		o.MonitorSampleSize = DefaultMonitorSampleSize
	}
	if o.MonitorMinSuspicious <= 0 {
		o.MonitorMinSuspicious = DefaultMonitorMinSuspicious
	}
	if o.ZeroGradeInvestigateAbove <= 0 {
		o.ZeroGradeInvestigateAbove = DefaultZeroGradeInvestigateAbove
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Analyzer aggregates the security log partitions into a report. It holds
// no state between passes.
type Analyzer struct {
	opts   Options
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.setDefaults()
	return &Analyzer{opts: opts, logger: logger.Named("analyzer")}
}

type profileAccumulator struct {
	ip         string
	count      int
	types      map[models.EventType]int
	firstSeen  time.Time
	lastSeen   time.Time
	userAgents map[string]struct{}
	severity   models.Severity
}

func (p *profileAccumulator) add(event models.SecurityEvent, fromCritical bool) {
	p.count++
	p.types[event.Type]++

	if p.firstSeen.IsZero() || event.Timestamp.Before(p.firstSeen) {
		p.firstSeen = event.Timestamp
	}
	if event.Timestamp.After(p.lastSeen) {
		p.lastSeen = event.Timestamp
	}
	if event.UserAgent != models.UnknownValue {
		p.userAgents[event.UserAgent] = struct{}{}
	}

	if fromCritical || event.IsCritical() {
		p.severity = models.SeverityCritical
	} else {
		p.severity = p.severity.Max(event.Severity)
	}
}

func (p *profileAccumulator) profile() models.IPProfile {
	agents := make([]string, 0, len(p.userAgents))
	for ua := range p.userAgents {
		agents = append(agents, ua)
	}
	sort.Strings(agents)

	types := make(map[models.EventType]int, len(p.types))
	for t, n := range p.types {
		types[t] = n
	}

	return models.IPProfile{
		IP:         p.ip,
		EventCount: p.count,
		EventTypes: types,
		FirstSeen:  p.firstSeen,
		LastSeen:   p.lastSeen,
		UserAgents: agents,
		Severity:   p.severity,
	}
}

type pass struct {
	started   time.Time
	profiles  map[string]*profileAccumulator
	critical  []models.CriticalEvent
	seenCrit  map[string]struct{}
	total     int
	critCount int
	skipped   int
	truncated bool
}

var errRecordLimit = errors.New("record limit reached")

// Analyze reads both partitions and builds a fresh report. A missing
// partition counts as empty; any other read failure fails the call.
func (a *Analyzer) Analyze(ctx context.Context) (*models.Report, error) {
	start := time.Now()
	p := &pass{
		started:  a.opts.Now().UTC(),
		profiles: make(map[string]*profileAccumulator),
		seenCrit: make(map[string]struct{}),
	}

	err := a.ingest(ctx, p, a.opts.GeneralPath, false)
	if err == nil {
		err = a.ingest(ctx, p, a.opts.CriticalPath, true)
	}
	if errors.Is(err, errRecordLimit) {
		p.truncated = true
		err = nil
	}
	if err != nil {
		a.opts.Metrics.AnalysisCompleted(0, p.skipped, err)
		return nil, err
	}

	report := a.build(p)
	a.opts.Metrics.AnalysisCompleted(time.Since(start).Seconds(), p.skipped, nil)

	a.logger.Debug("security analysis completed",
		zap.Int("totalEvents", report.Summary.TotalEvents),
		zap.Int("uniqueIPs", report.Summary.UniqueIPs),
		zap.Int("skippedLines", p.skipped),
		zap.Bool("truncated", p.truncated),
		zap.Duration("duration", time.Since(start)),
	)
	return report, nil
}

func (a *Analyzer) ingest(ctx context.Context, p *pass, path string, fromCritical bool) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return fmt.Errorf("read %s: %w", path, readErr)
		}

		if line = bytes.TrimSpace(line); len(line) > 0 {
			if p.total+p.skipped >= a.opts.MaxRecords {
				return errRecordLimit
			}
			event, err := models.DecodeEvent(line)
			if err != nil {
				p.skipped++
			} else {
				a.accumulate(p, event, fromCritical)
			}
		}

		if readErr == io.EOF {
			return nil
		}
	}
}

func (a *Analyzer) accumulate(p *pass, event models.SecurityEvent, fromCritical bool) {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.started
	}

	acc, ok := p.profiles[event.IP]
	if !ok {
		acc = &profileAccumulator{
			ip:         event.IP,
			types:      make(map[models.EventType]int),
			userAgents: make(map[string]struct{}),
			severity:   models.SeverityLow,
		}
		p.profiles[event.IP] = acc
	}
	acc.add(event, fromCritical)
	p.total++

	if fromCritical || event.IsCritical() {
		p.critCount++
		if event.ID != "" {
			if _, dup := p.seenCrit[event.ID]; dup {
				return
			}
			p.seenCrit[event.ID] = struct{}{}
		}
		p.critical = append(p.critical, models.CriticalEvent{
			IP:        event.IP,
			Type:      event.Type,
			Timestamp: event.Timestamp,
			Details:   event,
		})
	}
}

func (a *Analyzer) build(p *pass) *models.Report {
	profiles := make([]models.IPProfile, 0, len(p.profiles))
	for _, acc := range p.profiles {
		profiles = append(profiles, acc.profile())
	}
	sortProfiles(profiles)

	suspicious := make([]models.IPProfile, 0)
	highRisk := make([]models.IPProfile, 0)
	for _, prof := range profiles {
		if prof.EventCount >= a.opts.SuspiciousThreshold {
			suspicious = append(suspicious, prof)
		}
		if prof.Severity == models.SeverityCritical || prof.EventCount >= a.opts.HighRiskThreshold {
			highRisk = append(highRisk, prof)
		}
	}

	return &models.Report{
		Timestamp: p.started,
		Summary: models.ReportSummary{
			TotalEvents:         p.total,
			UniqueIPs:           len(p.profiles),
			CriticalCount:       p.critCount,
			SuspiciousThreshold: a.opts.SuspiciousThreshold,
			HighRiskThreshold:   a.opts.HighRiskThreshold,
			SuspiciousIPCount:   len(suspicious),
			HighRiskIPCount:     len(highRisk),
			Truncated:           p.truncated,
		},
		SuspiciousIPs:   suspicious,
		HighRiskIPs:     highRisk,
		CriticalEvents:  a.recentCritical(p.critical),
		Recommendations: a.recommend(profiles, suspicious, highRisk),
	}
}

// sortProfiles orders by event count descending, then by address.
func sortProfiles(profiles []models.IPProfile) {
	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].EventCount != profiles[j].EventCount {
			return profiles[i].EventCount > profiles[j].EventCount
		}
		return profiles[i].IP < profiles[j].IP
	})
}

func (a *Analyzer) recentCritical(events []models.CriticalEvent) []models.CriticalEvent {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	if n := len(events); n > a.opts.RecentCritical {
		events = events[n-a.opts.RecentCritical:]
	}
	out := make([]models.CriticalEvent, len(events))
	copy(out, events)
	return out
}

func (a *Analyzer) recommend(all, suspicious, highRisk []models.IPProfile) []models.Recommendation {
	recs := make([]models.Recommendation, 0, 3)

	if len(highRisk) > 0 {
		recs = append(recs, models.Recommendation{
			Priority:    models.PriorityHigh,
			Action:      models.ActionBlockIPs,
			Description: fmt.Sprintf("Block the %d high-risk IP(s) immediately", len(highRisk)),
			IPs:         addresses(highRisk, a.opts.BlockSampleSize),
		})
	}

	if len(suspicious) > a.opts.MonitorMinSuspicious {
		recs = append(recs, models.Recommendation{
			Priority:    models.PriorityMedium,
			Action:      models.ActionMonitorIPs,
			Description: fmt.Sprintf("Closely monitor %d suspicious IP(s)", len(suspicious)),
			IPs:         addresses(suspicious, a.opts.MonitorSampleSize),
		})
	}

	var zeroGrade []models.IPProfile
	for _, prof := range all {
		if prof.EventTypes[models.EventZeroGradeSubmission] > a.opts.ZeroGradeInvestigateAbove {
			zeroGrade = append(zeroGrade, prof)
		}
	}
	if len(zeroGrade) > 0 {
		recs = append(recs, models.Recommendation{
			Priority:    models.PriorityHigh,
			Action:      models.ActionInvestigateZeroGrade,
			Description: "Investigate repeated zero-grade submissions",
			IPs:         addresses(zeroGrade, a.opts.MonitorSampleSize),
		})
	}

	return recs
}

func addresses(profiles []models.IPProfile, limit int) []string {
	if len(profiles) < limit {
		limit = len(profiles)
	}
	out := make([]string, 0, limit)
	for _, p := range profiles[:limit] {
		out = append(out, p.IP)
	}
	return out
}

var neverBlock = map[string]struct{}{
	models.UnknownValue: {},
	"localhost":         {},
	"127.0.0.1":         {},
	"::1":               {},
}

// BlockCandidates lists the high-risk addresses that may be blocked.
// Loopback and unresolved addresses are never candidates.
func BlockCandidates(report *models.Report) []string {
	if report == nil {
		return nil
	}
	out := make([]string, 0, len(report.HighRiskIPs))
	for _, p := range report.HighRiskIPs {
		if _, skip := neverBlock[p.IP]; skip {
			continue
		}
		out = append(out, p.IP)
	}
	return out
}
