// Package app wires configuration, logging, the warehouse client, the state
// store, and the scheduler into runnable modes: one-shot run, daemon, status,
// and reset-failed.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"ssw-nginx-etl/internal/config"
	"ssw-nginx-etl/internal/enricher"
	"ssw-nginx-etl/internal/logging"
	"ssw-nginx-etl/internal/metrics"
	"ssw-nginx-etl/internal/processor"
	"ssw-nginx-etl/internal/scheduler"
	"ssw-nginx-etl/internal/state"
	"ssw-nginx-etl/internal/tracing"
	"ssw-nginx-etl/internal/warehouse"
	"ssw-nginx-etl/pkg/types"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitFilesFailed = 1
	ExitUsage       = 2
	ExitEnvironment = 3
)

// Options are the run-mode switches that are not configuration.
type Options struct {
	ShowStatus  bool
	ResetFailed bool
}

// Run executes the selected mode and returns the process exit code.
func Run(cfg *types.Config, opts Options) int {
	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup: %v\n", err)
		return ExitUsage
	}

	if err := config.Validate(cfg); err != nil {
		logger.WithError(err).Error("Invalid configuration")
		return ExitUsage
	}
	// A syntactically valid config can still point at a missing tree; that is
	// an environment failure, not a usage error.
	if info, err := os.Stat(cfg.Discovery.LogDir); err != nil || !info.IsDir() {
		logger.WithField("log_dir", cfg.Discovery.LogDir).Error("Log root missing or not a directory")
		return ExitEnvironment
	}

	runID := uuid.New().String()[:8]
	logger.WithFields(logrus.Fields{
		"run_id":  runID,
		"version": config.ProcessorVersion,
		"mode":    cfg.Processing.Mode,
		"log_dir": cfg.Discovery.LogDir,
	}).Info("Starting nginx ETL")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, cfg.App.Name, cfg.App.Version)
	if err != nil {
		logger.WithError(err).Warn("Tracing setup failed, continuing without traces")
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Debug("Tracing shutdown error")
		}
	}()

	staleAfter := types.ParseDuration(cfg.Discovery.StaleAfter, 2*time.Hour)
	store, err := state.Open(cfg.State.Path, staleAfter, config.ProcessorVersion, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to open state store")
		return ExitEnvironment
	}

	// Modes that only touch the state store run before the warehouse connects.
	partitionFilter := ""
	if cfg.Discovery.Date != "" {
		partitionFilter, _ = config.NormalizeDate(cfg.Discovery.Date)
	}
	if opts.ShowStatus {
		printStatus(store, partitionFilter)
		return ExitOK
	}
	if opts.ResetFailed {
		count, err := store.ResetFailed(partitionFilter)
		if err != nil {
			logger.WithError(err).Error("Failed to reset failed files")
			return ExitEnvironment
		}
		logger.WithField("count", count).Info("Reset failed files to pending")
		return ExitOK
	}

	var wh types.Warehouse
	if cfg.Processing.DryRun {
		logger.Info("Dry run: no warehouse writes, no state updates")
	} else {
		client, err := warehouse.New(cfg.Warehouse, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to create warehouse client")
			return ExitEnvironment
		}
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = client.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"host": cfg.Warehouse.Host,
				"port": cfg.Warehouse.Port,
			}).Error("Warehouse unreachable")
			return ExitEnvironment
		}

		if cfg.Warehouse.Bootstrap {
			if err := client.Bootstrap(ctx); err != nil {
				logger.WithError(err).Error("Warehouse bootstrap failed")
				return ExitEnvironment
			}
		}
		if err := client.ResolveSchema(ctx); err != nil {
			logger.WithError(err).Error("Warehouse schema resolution failed")
			return ExitEnvironment
		}
		wh = client
	}

	enr, err := enricher.New(cfg.Rules)
	if err != nil {
		logger.WithError(err).Error("Invalid classification rules")
		return ExitUsage
	}

	proc := processor.New(cfg, enr, wh, store, logger)
	discovery := scheduler.NewDiscovery(cfg.Discovery, logger)
	sched := scheduler.New(cfg, discovery, proc, logger, runID)

	var stats *types.RunStats
	if cfg.Discovery.AutoMonitor {
		stopOps := startOpsServer(cfg, store, logger)
		defer stopOps()
		sampler := metrics.NewResourceSampler(30*time.Second, logger)
		go sampler.Run(ctx)

		stats, err = sched.RunDaemon(ctx)
	} else {
		stats, err = sched.RunOnce(ctx)
	}

	// Cancellation is an orderly stop; any other run error means the
	// environment broke out from under us (tree unreadable, daemon lock held).
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Run failed")
		if stats != nil {
			printSummary(stats)
		}
		return ExitEnvironment
	}
	if stats == nil {
		return ExitEnvironment
	}

	printSummary(stats)
	if stats.Failed > 0 {
		return ExitFilesFailed
	}
	return ExitOK
}

// startOpsServer exposes /metrics, /healthz and /status while the daemon
// runs. Failures to bind are logged, not fatal.
func startOpsServer(cfg *types.Config, store *state.Store, logger *logrus.Logger) func() {
	if !cfg.Metrics.Enabled {
		return func() {}
	}

	router := mux.NewRouter()
	router.Handle(cfg.Metrics.Path, promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(store.Snapshot())
	})

	server := &http.Server{Addr: cfg.Metrics.Listen, Handler: router}
	go func() {
		logger.WithField("listen", cfg.Metrics.Listen).Info("Ops server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Warn("Ops server stopped")
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}
}

// printStatus renders the state store as a table on stdout, optionally
// filtered to one partition.
func printStatus(store *state.Store, partition string) {
	rows := store.Snapshot()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARTITION\tFILE\tSTATUS\tRECORDS\tFAILURES\tLAST UPDATE\tERROR")
	shown := 0
	for _, row := range rows {
		if partition != "" && row.Partition != partition {
			continue
		}
		shown++
		last := ""
		if !row.LastUpdate.IsZero() {
			last = row.LastUpdate.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			row.Partition, row.Path, row.Status,
			row.RecordsIngested, row.ParseFailures, last, row.ErrorMessage)
	}
	w.Flush()
	fmt.Printf("\n%d file(s) tracked\n", shown)
}

// printSummary renders the end-of-run totals.
func printSummary(stats *types.RunStats) {
	elapsed := stats.Finished.Sub(stats.Started).Round(time.Millisecond)
	fmt.Printf("\nRun summary\n")
	fmt.Printf("  discovered:        %d\n", stats.Discovered)
	fmt.Printf("  completed:         %d\n", stats.Completed)
	fmt.Printf("  skipped (done):    %d\n", stats.SkippedComplete)
	fmt.Printf("  skipped (busy):    %d\n", stats.SkippedBusy)
	fmt.Printf("  failed:            %d\n", stats.Failed)
	fmt.Printf("  records ingested:  %d\n", stats.RecordsIngested)
	fmt.Printf("  parse failures:    %d\n", stats.ParseFailures)
	fmt.Printf("  elapsed:           %s\n", elapsed)
	for _, failed := range stats.FailedFiles {
		fmt.Printf("  FAILED %s: %s\n", failed.Path, failed.ErrorMessage)
	}
}
