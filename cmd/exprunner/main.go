// Package main provides the exprunner command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/exprunner/cmd/exprunner/config"
	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/repositories/postgres"
	"github.com/TFMV/exprunner/pkg/scheduler"
	"github.com/TFMV/exprunner/pkg/services"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "exprunner",
	Short: "Experiment metric query runner",
	Long: `Plans, batches and executes experiment metric queries against a data warehouse.

Results are cached per metric group and reused by later analyses with the same
configuration.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	runCmd := &cobra.Command{
		Use:   "run <analysis.yaml>",
		Short: "Run an analysis and print its summary",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalysis,
	}
	runCmd.Flags().Bool("rows", false, "include result rows in the output")
	runCmd.Flags().Bool("skip-cache", false, "execute every group even when cached results exist")

	resumeCmd := &cobra.Command{
		Use:   "resume [run-id...]",
		Short: "Resume interrupted runs",
		RunE:  resumeRuns,
	}
	resumeCmd.Flags().Bool("all", false, "resume every run that is still active")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "plan <analysis.yaml>",
			Short: "Print the query groups an analysis would execute",
			Args:  cobra.ExactArgs(1),
			RunE:  planAnalysis,
		},
		runCmd,
		resumeCmd,
		&cobra.Command{
			Use:   "schedule <analysis.yaml>...",
			Short: "Run analyses on their cron schedules until interrupted",
			Args:  cobra.MinimumNArgs(1),
			RunE:  scheduleAnalyses,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the postgres store migrations",
			Args:  cobra.NoArgs,
			RunE:  migrateStore,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("Version:    %s\n", version)
				fmt.Printf("Commit:     %s\n", commit)
				fmt.Printf("Build Date: %s\n", buildDate)
			},
		},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(viper.GetViper(), path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, setupLogging(cfg.LogLevel), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func planAnalysis(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	_, req, err := loadAnalysis(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	groups, err := a.analyzer.Plan(cmd.Context(), req)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), groups)
}

type groupSummary struct {
	Metrics      []string           `json:"metrics"`
	Status       models.QueryStatus `json:"status"`
	Rows         int                `json:"rows"`
	Cached       bool               `json:"cached"`
	CacheEntryID string             `json:"cache_entry_id,omitempty"`
	Score        float64            `json:"score,omitempty"`
	Error        string             `json:"error,omitempty"`
	Result       *models.ResultSet  `json:"result,omitempty"`
}

type runSummary struct {
	RunID     string           `json:"run_id,omitempty"`
	Status    models.RunStatus `json:"status"`
	CacheHits int              `json:"cache_hits"`
	Groups    []groupSummary   `json:"groups"`
}

func summarize(res *services.AnalysisResult, withRows bool) runSummary {
	out := runSummary{RunID: res.RunID, Status: res.Status, CacheHits: res.CacheHits}
	for _, g := range res.Groups {
		s := groupSummary{
			Metrics:      g.MetricIDs,
			Status:       g.Status,
			Rows:         g.Result.NumRows(),
			Cached:       g.CacheEntryID != "",
			CacheEntryID: g.CacheEntryID,
			Score:        g.Score,
		}
		if g.Err != nil {
			s.Error = g.Err.Error()
		}
		if withRows {
			s.Result = g.Result
		}
		out.Groups = append(out.Groups, s)
	}
	return out
}

func runAnalysis(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	_, req, err := loadAnalysis(args[0])
	if err != nil {
		return err
	}
	withRows, _ := cmd.Flags().GetBool("rows")
	req.SkipCache, _ = cmd.Flags().GetBool("skip-cache")

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.analyzer.Analyze(ctx, req)
	if err != nil {
		return err
	}
	if err := writeJSON(cmd.OutOrStdout(), summarize(res, withRows)); err != nil {
		return err
	}
	if res.Status == models.RunStatusFailed {
		return fmt.Errorf("analysis %s failed", req.Key)
	}
	return nil
}

func resumeRuns(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")
	if all == (len(args) > 0) {
		return fmt.Errorf("pass either run ids or --all")
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ids := args
	if all {
		active, err := a.runs.ListActive(ctx)
		if err != nil {
			return err
		}
		for _, r := range active {
			ids = append(ids, r.ID)
		}
		logger.Info().Int("runs", len(ids)).Msg("Resuming active runs")
	}

	var results []*models.RunResult
	var failed int
	for _, id := range ids {
		res, err := a.analyzer.Resume(ctx, id)
		if err != nil {
			if errors.IsCanceled(err) {
				return err
			}
			logger.Error().Err(err).Str("run_id", id).Msg("Failed to resume run")
			failed++
			continue
		}
		results = append(results, res)
	}
	if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs could not be resumed", failed, len(ids))
	}
	return nil
}

func scheduleAnalyses(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var jobs []scheduler.Job
	for _, path := range args {
		f, req, err := loadAnalysis(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if f.Schedule == "" {
			return fmt.Errorf("%s: analysis has no schedule", path)
		}
		name := req.Key
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		jobs = append(jobs, scheduler.Job{Name: name, Schedule: f.Schedule, Request: req})
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	s := scheduler.New(a.analyzer, a.leases, scheduler.Config{
		LeaseTTL: cfg.Scheduler.LeaseTTL,
		Owner:    cfg.Scheduler.Owner,
	}, logger, scheduler.WithMetrics(a.metrics))
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return err
		}
	}

	s.Start()
	logger.Info().
		Str("version", version).
		Int("jobs", len(jobs)).
		Msg("Scheduler started")

	<-ctx.Done()
	logger.Info().Msg("Shutting down scheduler")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("scheduler did not stop cleanly: %w", err)
	}
	logger.Info().Msg("Scheduler stopped")
	return nil
}

func migrateStore(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Store.Type != config.StorePostgres {
		return fmt.Errorf("migrate requires the postgres store, configured store is %q", cfg.Store.Type)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.Store.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db, logger); err != nil {
		return err
	}
	v, dirty, err := postgres.Version(ctx, db)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", v, dirty)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// setupLogging configures zerolog. Logs go to stderr so command output stays parseable.
func setupLogging(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			return fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	ctx := zerolog.New(os.Stderr).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "exprunner")
	if logLevel == zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}
