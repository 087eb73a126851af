package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/halcyon-health/equilens/internal/api"
	"github.com/halcyon-health/equilens/internal/audit"
	"github.com/halcyon-health/equilens/internal/cohort"
	"github.com/halcyon-health/equilens/internal/config"
	"github.com/halcyon-health/equilens/internal/evaluate"
	"github.com/halcyon-health/equilens/internal/ingest"
	"github.com/halcyon-health/equilens/internal/privacy"
	"github.com/halcyon-health/equilens/internal/store"
	"github.com/halcyon-health/equilens/internal/wal"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string

	// evaluate
	serverAddr   string
	modelVersion string
	windowFrom   string
	windowTo     string
	evalTimeout  time.Duration

	// export-audit / verify-audit
	auditDir     string
	filterModel  string
	filterEvent  string
	filterEntity string
	filterSince  string
	filterUntil  string
	filterLimit  int
	outPath      string

	// replay-wal
	walDir string
	dryRun bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "evalctl",
		Short: "Operations tool for the EquiLens fairness engine",
		Long: `evalctl drives fairness evaluations against a running server and
works directly with the on-disk audit chain and intake WAL.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (empty uses the standard search path)")

	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(replaceBaselineCmd())
	rootCmd.AddCommand(exportAuditCmd())
	rootCmd.AddCommand(verifyAuditCmd())
	rootCmd.AddCommand(replayWALCmd())
	rootCmd.AddCommand(policyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// evaluateCmd triggers an evaluation over HTTP and prints the report.
func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run a fairness evaluation on a running server",
		Long: `Evaluates one model version over a window against a running server
and prints the resulting report. Without --from/--to the server
evaluates its current rolling window.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (windowFrom == "") != (windowTo == "") {
				return fmt.Errorf("--from and --to must be set together")
			}

			body := map[string]any{"model_version": modelVersion}
			if windowFrom != "" {
				from, err := parseTimeFlag(windowFrom, "from")
				if err != nil {
					return err
				}
				to, err := parseTimeFlag(windowTo, "to")
				if err != nil {
					return err
				}
				body["window"] = map[string]any{"start": from, "end": to}
			}
			payload, err := json.Marshal(body)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverAddr+"/v1/evaluate", bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("evaluate request failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				var remote struct {
					Error string `json:"error"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&remote)
				return fmt.Errorf("server returned %s: %s", resp.Status, remote.Error)
			}
			var report evaluate.Report
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return fmt.Errorf("decode report: %w", err)
			}

			fmt.Printf("=== Evaluation Report ===\n")
			fmt.Printf("Model version: %s\n", report.ModelVersion)
			fmt.Printf("Window: %s\n", report.Window.Key())
			fmt.Printf("Records: %d across %d cohort units\n", report.Records, report.Units)
			fmt.Printf("Results: %d (%d with insufficient data)\n", report.Results, report.Insufficient)
			fmt.Printf("New alerts: %d\n", report.NewAlerts)
			for _, alert := range report.Alerts {
				fmt.Printf("  [%s] %s/%s observed %+.4f against threshold %.4f\n",
					alert.Severity, alert.Cohort, alert.Family, alert.ObservedValue, alert.Threshold)
			}
			if len(report.Proposed) > 0 {
				fmt.Printf("Proposed mitigations:\n")
				for _, action := range report.Proposed {
					fmt.Printf("  %s %s for %s (%s)\n", action.ActionID, action.Strategy, action.Cohort, action.Status)
				}
			}
			fmt.Printf("Duration: %v\n", report.Duration)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "http://localhost:8080", "Base URL of the running server")
	cmd.Flags().StringVar(&modelVersion, "model", "", "Model version to evaluate")
	cmd.Flags().StringVar(&windowFrom, "from", "", "Window start (RFC 3339)")
	cmd.Flags().StringVar(&windowTo, "to", "", "Window end (RFC 3339)")
	cmd.Flags().DurationVar(&evalTimeout, "timeout", 5*time.Minute, "Evaluation request timeout")
	cmd.MarkFlagRequired("model")

	return cmd
}

// replaceBaselineCmd swaps the drift baseline for one model over HTTP.
func replaceBaselineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replace-baseline",
		Short: "Re-derive the drift baseline for a model version",
		Long: `Replaces the drift baseline on a running server with scores from a
chosen window, for use after a deliberate model change. Without
--from/--to the server baselines its current rolling window.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (windowFrom == "") != (windowTo == "") {
				return fmt.Errorf("--from and --to must be set together")
			}

			body := map[string]any{}
			if windowFrom != "" {
				from, err := parseTimeFlag(windowFrom, "from")
				if err != nil {
					return err
				}
				to, err := parseTimeFlag(windowTo, "to")
				if err != nil {
					return err
				}
				body["window"] = map[string]any{"start": from, "end": to}
			}
			payload, err := json.Marshal(body)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				serverAddr+"/v1/monitor/baseline/"+modelVersion, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("baseline request failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				var remote struct {
					Error string `json:"error"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&remote)
				return fmt.Errorf("server returned %s: %s", resp.Status, remote.Error)
			}
			var result struct {
				ModelVersion string     `json:"model_version"`
				Window       api.Window `json:"window"`
				Cohorts      int        `json:"cohorts"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Printf("Baseline replaced for %s over %s (%d cohorts)\n",
				result.ModelVersion, result.Window.Key(), result.Cohorts)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "http://localhost:8080", "Base URL of the running server")
	cmd.Flags().StringVar(&modelVersion, "model", "", "Model version to re-baseline")
	cmd.Flags().StringVar(&windowFrom, "from", "", "Window start (RFC 3339)")
	cmd.Flags().StringVar(&windowTo, "to", "", "Window end (RFC 3339)")
	cmd.Flags().DurationVar(&evalTimeout, "timeout", 5*time.Minute, "Baseline request timeout")
	cmd.MarkFlagRequired("model")

	return cmd
}

// exportAuditCmd streams the audit chain as JSONL.
func exportAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-audit",
		Short: "Export audit entries as JSONL",
		Long: `Exports the hash-chained audit log in insertion order, one JSON
entry per line, optionally filtered by model, event type, entity,
and time range. Writes to stdout unless --out names a file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := audit.Query{
				ModelVersion: filterModel,
				Event:        audit.EventType(filterEvent),
				EntityID:     filterEntity,
				Limit:        filterLimit,
			}
			var err error
			if q.From, err = parseTimeFlag(filterSince, "since"); err != nil {
				return err
			}
			if q.To, err = parseTimeFlag(filterUntil, "until"); err != nil {
				return err
			}

			log, err := audit.NewLog(auditDir, nil)
			if err != nil {
				return fmt.Errorf("open audit log: %w", err)
			}
			defer log.Close()

			out := os.Stdout
			if outPath != "" && outPath != "-" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create output file: %w", err)
				}
				defer f.Close()
				out = f
			}
			if err := log.Export(out, q); err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&auditDir, "dir", "data/audit", "Audit log directory")
	cmd.Flags().StringVar(&filterModel, "model", "", "Filter by model version")
	cmd.Flags().StringVar(&filterEvent, "event", "", "Filter by event type")
	cmd.Flags().StringVar(&filterEntity, "entity", "", "Filter by entity ID")
	cmd.Flags().StringVar(&filterSince, "since", "", "Earliest entry timestamp (RFC 3339)")
	cmd.Flags().StringVar(&filterUntil, "until", "", "Latest entry timestamp, exclusive (RFC 3339)")
	cmd.Flags().IntVar(&filterLimit, "limit", 0, "Maximum entries (0 for all)")
	cmd.Flags().StringVar(&outPath, "out", "-", "Output file (- for stdout)")

	return cmd
}

// verifyAuditCmd recomputes the hash chain.
func verifyAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-audit",
		Short: "Verify the audit chain end to end",
		Long: `Recomputes every entry hash and link in the audit chain and reports
the first break. A clean run proves the log was never edited.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := audit.VerifyDir(auditDir)
			if err != nil {
				return fmt.Errorf("chain broken after %d entries: %w", entries, err)
			}
			fmt.Printf("Chain intact: %d entries verified\n", entries)
			return nil
		},
	}

	cmd.Flags().StringVar(&auditDir, "dir", "data/audit", "Audit log directory")

	return cmd
}

// replayWALCmd reapplies intake WAL segments to the configured store.
func replayWALCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay-wal",
		Short: "Replay the intake WAL into the configured store",
		Long: `Reads every intact WAL frame and reapplies records and outcome
bindings to the store backend named in the configuration. Already
applied frames are skipped, so replay is idempotent. With the
in-memory backend this only proves the WAL applies cleanly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				entries, err := wal.ReplayDir(walDir)
				if err != nil {
					return fmt.Errorf("read WAL: %w", err)
				}
				byKind := map[string]int{}
				for _, e := range entries {
					byKind[e.Kind]++
				}
				fmt.Printf("WAL frames: %d\n", len(entries))
				for kind, n := range byKind {
					fmt.Printf("  %s: %d\n", kind, n)
				}
				return nil
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			var records store.RecordStore
			if cfg.Store.Backend == "postgres" {
				records, err = store.NewPostgresRecordStore(cfg.Database.URL)
				if err != nil {
					return fmt.Errorf("postgres record store: %w", err)
				}
			} else {
				records = store.NewMemoryRecordStore()
			}
			defer records.Close()

			resolver, err := cohort.NewResolver(cfg.CohortSchema(), cfg.Schema.CacheSize, nil)
			if err != nil {
				return fmt.Errorf("cohort schema rejected: %w", err)
			}

			var guard ingest.IdentityGuard
			if cfg.Privacy.Enabled {
				mode, err := privacy.ParseMode(cfg.Privacy.Mode)
				if err != nil {
					return fmt.Errorf("privacy config rejected: %w", err)
				}
				guard = privacy.NewScanner(mode, nil)
			}

			svc := ingest.NewService(nil, records, resolver, guard, nil)
			stats, err := svc.Replay(context.Background(), walDir)
			if err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}
			fmt.Printf("Replayed %d frames: %d records, %d outcomes, %d skipped\n",
				stats.Frames, stats.RecordsApplied, stats.OutcomesApplied, stats.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&walDir, "dir", "data/wal", "WAL directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Count frames without applying them")

	return cmd
}

// policyCmd groups tolerance policy operations.
func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Tolerance policy operations",
	}
	cmd.AddCommand(policyLintCmd())
	return cmd
}

// policyLintCmd validates the configured policy and schema.
func policyLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Validate the tolerance policy and cohort schema",
		Long: `Loads the configuration, builds the tolerance policy and cohort
schema from it, and reports what the engine would enforce. Metric
families without a threshold are called out: disparities there
surface as informational alerts only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			pol, err := cfg.TolerancePolicy()
			if err != nil {
				return fmt.Errorf("tolerance policy invalid: %w", err)
			}

			fmt.Printf("Policy %s", pol.Version)
			if pol.Name != "" {
				fmt.Printf(" (%s)", pol.Name)
			}
			fmt.Printf("\n")
			for _, family := range api.Families() {
				t, ok := pol.Thresholds[family]
				if !ok {
					fmt.Printf("  %-12s unpoliced (informational alerts only)\n", family)
					continue
				}
				if t.Ceiling > 0 {
					fmt.Printf("  %-12s limit %.4f, critical at %.4f\n", family, t.Limit, t.Ceiling)
				} else {
					fmt.Printf("  %-12s limit %.4f\n", family, t.Limit)
				}
			}

			schema := cfg.CohortSchema()
			fmt.Printf("Schema: %d attributes, %d intersections, max arity %d\n",
				len(schema.Attributes), len(schema.Intersections), schema.MaxArity)
			for _, attr := range schema.Attributes {
				fmt.Printf("  %s: %d values, reference %q\n", attr.Name, len(attr.Values), attr.Reference)
			}

			fmt.Printf("OK\n")
			return nil
		},
	}
}

func parseTimeFlag(value, name string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse --%s: %w", name, err)
	}
	return t, nil
}
