package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gestnote/ranking-guard/analyzer"
	"github.com/gestnote/ranking-guard/blocklist"
	"github.com/gestnote/ranking-guard/logger"
	"github.com/gestnote/ranking-guard/models"
	"github.com/gestnote/ranking-guard/recorder"
	"github.com/gestnote/ranking-guard/service"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "secanalyze",
	Short: "Offline analysis of GestNote security logs",
	Long: `secanalyze reads the suspicious and critical security log partitions,
prints the per-address report and can write the recommended addresses
to the blocklist file used by the gateway.

Examples:
  secanalyze analyze --dir /var/log/gestnote
  secanalyze analyze --dir ./logs --json
  secanalyze analyze --dir ./logs --write-blocklist`,
	SilenceUsage: true,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze the security logs once and print the report",
	RunE:  runAnalyze,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "secanalyze %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "Commit:  %s\n", Commit)
		fmt.Fprintf(cmd.OutOrStdout(), "Built:   %s\n", BuildTime)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := analyzeCmd.Flags()
	flags.String("dir", "./logs", "security log directory")
	flags.String("blocklist", "", "blocklist file (default: <dir>/ip_blocklist.json)")
	flags.Bool("json", false, "print the full report as JSON")
	flags.Bool("write-blocklist", false, "block the recommended addresses")
	flags.Int("suspicious-threshold", analyzer.DefaultSuspiciousThreshold, "events per address to be suspicious")
	flags.Int("high-risk-threshold", analyzer.DefaultHighRiskThreshold, "events per address to be high risk")
	flags.Int("max-records", analyzer.DefaultMaxRecords, "maximum log lines read per pass")
	flags.String("log-level", "warn", "diagnostic log level")

	viper.BindPFlag("security_log_dir", flags.Lookup("dir"))
	viper.BindPFlag("blocklist_path", flags.Lookup("blocklist"))
	viper.BindPFlag("json", flags.Lookup("json"))
	viper.BindPFlag("write_blocklist", flags.Lookup("write-blocklist"))
	viper.BindPFlag("suspicious_threshold", flags.Lookup("suspicious-threshold"))
	viper.BindPFlag("high_risk_threshold", flags.Lookup("high-risk-threshold"))
	viper.BindPFlag("analysis_max_records", flags.Lookup("max-records"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	viper.SetEnvPrefix("SECANALYZE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	log, err := logger.NewWithOutput("cli", viper.GetString("log_level"), "console", "stderr")
	if err != nil {
		return err
	}
	defer log.Sync()

	dir := viper.GetString("security_log_dir")
	a := analyzer.New(analyzer.Options{
		GeneralPath:         filepath.Join(dir, recorder.GeneralFile),
		CriticalPath:        filepath.Join(dir, recorder.CriticalFile),
		SuspiciousThreshold: viper.GetInt("suspicious_threshold"),
		HighRiskThreshold:   viper.GetInt("high_risk_threshold"),
		MaxRecords:          viper.GetInt("analysis_max_records"),
	}, log)

	report, err := a.Analyze(cmd.Context())
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if viper.GetBool("json") {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}

	if !viper.GetBool("write_blocklist") {
		return nil
	}

	path := viper.GetString("blocklist_path")
	if path == "" {
		path = filepath.Join(dir, "ip_blocklist.json")
	}
	store := blocklist.New(blocklist.Options{Path: path}, log)
	added, err := blockRecommended(cmd.Context(), store, report)
	if err != nil {
		return err
	}
	log.Info("blocklist updated", zap.String("path", path), zap.Int("added", added))
	if !viper.GetBool("json") {
		fmt.Fprintf(out, "\nBlocklist %s: %d added, %d total\n", path, added, store.Stats().Count)
	}
	return nil
}

func blockRecommended(ctx context.Context, store service.Blocklist, report *models.Report) (int, error) {
	added := 0
	for _, ip := range analyzer.BlockCandidates(report) {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		if store.Contains(ip) {
			continue
		}
		if err := store.Block(ip, service.AutoBlockReason); err != nil {
			return added, fmt.Errorf("block %s: %w", ip, err)
		}
		added++
	}
	return added, nil
}

func writeJSON(w io.Writer, report *models.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func printReport(w io.Writer, report *models.Report) {
	s := report.Summary
	fmt.Fprintf(w, "Security report %s\n", report.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "  events: %d  addresses: %d  critical: %d\n", s.TotalEvents, s.UniqueIPs, s.CriticalCount)
	if s.Truncated {
		fmt.Fprintln(w, "  warning: record limit reached, report is partial")
	}

	fmt.Fprintf(w, "\nHigh risk (>= %d events or critical): %d\n", s.HighRiskThreshold, s.HighRiskIPCount)
	printProfiles(w, report.HighRiskIPs)

	fmt.Fprintf(w, "\nSuspicious (>= %d events): %d\n", s.SuspiciousThreshold, s.SuspiciousIPCount)
	printProfiles(w, report.SuspiciousIPs)

	if len(report.CriticalEvents) > 0 {
		fmt.Fprintf(w, "\nRecent critical events: %d\n", len(report.CriticalEvents))
		for _, e := range report.CriticalEvents {
			fmt.Fprintf(w, "  %s  %-16s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.IP, e.Type)
		}
	}

	if len(report.Recommendations) > 0 {
		fmt.Fprintln(w, "\nRecommendations:")
		for _, r := range report.Recommendations {
			fmt.Fprintf(w, "  [%s] %s: %s\n", r.Priority, r.Action, r.Description)
			if len(r.IPs) > 0 {
				fmt.Fprintf(w, "    %s\n", strings.Join(r.IPs, ", "))
			}
		}
	}
}

func printProfiles(w io.Writer, profiles []models.IPProfile) {
	for _, p := range profiles {
		fmt.Fprintf(w, "  %-16s %5d  %-8s last %s\n", p.IP, p.EventCount, p.Severity, p.LastSeen.Format("2006-01-02 15:04:05"))
		if breakdown := typeBreakdown(p.EventTypes); breakdown != "" {
			fmt.Fprintf(w, "    %s\n", breakdown)
		}
	}
}

// typeBreakdown lists per-type counts in a fixed order.
func typeBreakdown(counts map[models.EventType]int) string {
	var parts []string
	for _, t := range models.AllEventTypes() {
		if n := counts[t]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", t, n))
		}
	}
	return strings.Join(parts, " ")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
