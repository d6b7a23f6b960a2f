package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/makt28/vigil/internal/alerter"
	"github.com/makt28/vigil/internal/checker"
	"github.com/makt28/vigil/internal/config"
	"github.com/makt28/vigil/internal/evaluator"
	"github.com/makt28/vigil/internal/kv"
	"github.com/makt28/vigil/internal/notify"
	"github.com/makt28/vigil/internal/ops"
	"github.com/makt28/vigil/internal/queue"
	"github.com/makt28/vigil/internal/scheduler"
	"github.com/makt28/vigil/internal/storage"
	"github.com/makt28/vigil/internal/writer"
)

var rootCmd = &cobra.Command{
	Use:          "vigil",
	Short:        "Distributed uptime monitoring pipeline",
	Long:         "Vigil checks HTTP endpoints from multiple regions, evaluates health-state transitions, and triggers deduplicated, rate-limited alerts.",
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(schedulerCmd, checkerCmd, evaluatorCmd, alerterCmd, writerCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime bundles the collaborators every worker needs.
type runtime struct {
	cfg   *config.Config
	store *kv.Store
	db    *storage.DB
}

// setup loads config, configures logging, and connects the shared stores.
// Workers that never touch Postgres pass needDB=false.
func setup(ctx context.Context, needDB bool) (*runtime, error) {
	cfg := config.Load()
	setupLogger(cfg.LogLevel)

	store, err := kv.Open(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	rt := &runtime{cfg: cfg, store: store}
	if needDB {
		db, err := storage.Connect(cfg.DatabaseURL)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.db = db
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.db != nil {
		rt.db.Close()
	}
	if err := rt.store.Close(); err != nil {
		slog.Error("failed to close redis", "error", err)
	}
}

func (rt *runtime) opsDeps() map[string]ops.Pinger {
	deps := map[string]ops.Pinger{"redis": rt.store}
	if rt.db != nil {
		deps["postgres"] = rt.db
	}
	return deps
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

// waitForShutdown blocks until SIGINT/SIGTERM, then runs the stop functions
// in order.
func waitForShutdown(rt *runtime, service string, stops ...func()) {
	opsSrv := ops.NewServer(rt.cfg.OpsAddr, service, rt.opsDeps())
	opsSrv.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("received shutdown signal", "signal", sig)

	for _, stop := range stops {
		stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.ShutdownGrace)
	defer cancel()
	if err := opsSrv.Shutdown(ctx); err != nil {
		slog.Error("ops server forced shutdown", "error", err)
	}

	rt.close()
	slog.Info("stopped gracefully", "service", service)
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the tick scheduler and lifecycle event worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := setup(ctx, true)
		if err != nil {
			return err
		}

		checks := queue.New(rt.store.Client(), queue.MonitorCheck)
		svc := scheduler.NewService(rt.db, rt.store, checks)

		if err := svc.Init(ctx); err != nil {
			rt.close()
			return err
		}
		svc.Start()

		events := queue.NewWorker(rt.store.Client(), queue.MonitorEvents, svc.HandleLifecycleEvent, rt.cfg.EventsConcurrency)
		if err := events.Start(ctx); err != nil {
			rt.close()
			return err
		}

		waitForShutdown(rt, "scheduler", svc.Stop, events.Stop)
		return nil
	},
}

var checkerCmd = &cobra.Command{
	Use:   "checker",
	Short: "Run the HTTP check worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := setup(ctx, true)
		if err != nil {
			return err
		}

		results := queue.New(rt.store.Client(), queue.CheckResults)
		svc := checker.NewService(rt.db, rt.store, results, rt.cfg.ProbeTimeout)

		worker := queue.NewWorker(rt.store.Client(), queue.MonitorCheck, svc.HandleJob, rt.cfg.CheckerConcurrency)
		if err := worker.Start(ctx); err != nil {
			rt.close()
			return err
		}

		waitForShutdown(rt, "checker", worker.Stop)
		return nil
	},
}

var evaluatorCmd = &cobra.Command{
	Use:   "evaluator",
	Short: "Run the state evaluation worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := setup(ctx, true)
		if err != nil {
			return err
		}

		alerts := queue.New(rt.store.Client(), queue.Alerts)
		svc := evaluator.NewService(rt.db, rt.store, alerts)

		worker := queue.NewWorker(rt.store.Client(), queue.CheckResults, svc.HandleResult, rt.cfg.EvaluatorConcurrency)
		if err := worker.Start(ctx); err != nil {
			rt.close()
			return err
		}

		waitForShutdown(rt, "evaluator", worker.Stop)
		return nil
	},
}

var alerterCmd = &cobra.Command{
	Use:   "alerter",
	Short: "Run the alert delivery worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := setup(ctx, false)
		if err != nil {
			return err
		}

		notifiers := notify.Enabled(rt.cfg)
		valid := notifiers[:0]
		for _, n := range notifiers {
			if err := n.Validate(); err != nil {
				slog.Warn("skipping misconfigured channel", "channel", n.Type(), "error", err)
				continue
			}
			valid = append(valid, n)
		}
		if len(valid) == 0 {
			slog.Warn("no notification channels enabled")
		}

		svc := alerter.NewService(rt.store, valid)

		worker := queue.NewWorker(rt.store.Client(), queue.Alerts, svc.HandleEvent, rt.cfg.AlerterConcurrency)
		if err := worker.Start(ctx); err != nil {
			rt.close()
			return err
		}

		waitForShutdown(rt, "alerter", worker.Stop)
		return nil
	},
}

var writerCmd = &cobra.Command{
	Use:   "writer",
	Short: "Run the bulk tick writer",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd.Context(), true)
		if err != nil {
			return err
		}

		svc := writer.NewService(rt.db, rt.store, rt.cfg.FlushInterval)
		svc.Start()

		waitForShutdown(rt, "writer", svc.Stop)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database tables the pipeline needs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		setupLogger(cfg.LogLevel)

		db, err := storage.Connect(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()

		if err := storage.Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		slog.Info("migration complete")
		return nil
	},
}
