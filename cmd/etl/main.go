package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"ssw-nginx-etl/internal/app"
	"ssw-nginx-etl/internal/config"
	"ssw-nginx-etl/pkg/types"

	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("nginx-etl", pflag.ContinueOnError)

	configFile := flags.String("config", "", "YAML configuration file")

	logDir := flags.String("log-dir", "", "root of the date-partitioned log tree")
	date := flags.String("date", "", "process only this partition (YYYY-MM-DD or YYYYMMDD)")
	all := flags.Bool("all", false, "process every partition")
	mode := flags.String("mode", "", "processing mode: full or incremental")
	force := flags.Bool("force", false, "re-process files even when already completed")
	limit := flags.Int64("limit", 0, "stop after this many records per file (0 = unlimited)")
	batchSize := flags.Int("batch-size", 0, "rows per warehouse insert batch")
	workers := flags.Int("workers", 0, "concurrent file workers")

	autoMonitor := flags.Bool("auto-monitor", false, "run as a daemon, rescanning on an interval")
	monitorDuration := flags.String("monitor-duration", "", "total daemon wall budget in seconds, or a duration like 2h")
	refreshMinutes := flags.Float64("refresh-minutes", 0, "daemon rescan interval in minutes")

	showStatus := flags.Bool("status", false, "print per-file processing state and exit")
	resetFailed := flags.Bool("reset-failed", false, "reset failed files to pending and exit")
	dryRun := flags.Bool("test", false, "parse and enrich without writing anywhere")

	logFile := flags.String("log-file", "", "also write process logs to this file")
	metricsListen := flags.String("metrics-listen", "", "ops endpoint listen address (daemon mode)")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return app.ExitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return app.ExitUsage
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return app.ExitUsage
	}

	applyFlags(cfg, flags, flagValues{
		logDir:          *logDir,
		date:            *date,
		all:             *all,
		mode:            *mode,
		force:           *force,
		limit:           *limit,
		batchSize:       *batchSize,
		workers:         *workers,
		autoMonitor:     *autoMonitor,
		monitorDuration: *monitorDuration,
		refreshMinutes:  *refreshMinutes,
		dryRun:          *dryRun,
		logFile:         *logFile,
		metricsListen:   *metricsListen,
	})

	return app.Run(cfg, app.Options{
		ShowStatus:  *showStatus,
		ResetFailed: *resetFailed,
	})
}

type flagValues struct {
	logDir          string
	date            string
	all             bool
	mode            string
	force           bool
	limit           int64
	batchSize       int
	workers         int
	autoMonitor     bool
	monitorDuration string
	refreshMinutes  float64
	dryRun          bool
	logFile         string
	metricsListen   string
}

// applyFlags layers explicitly set CLI flags over config file and
// environment values. Only flags the user actually passed win.
func applyFlags(cfg *types.Config, flags *pflag.FlagSet, v flagValues) {
	if flags.Changed("log-dir") {
		cfg.Discovery.LogDir = v.logDir
	}
	if flags.Changed("date") {
		cfg.Discovery.Date = v.date
	}
	if flags.Changed("all") {
		cfg.Discovery.All = v.all
		if v.all {
			cfg.Discovery.Date = ""
		}
	}
	if flags.Changed("mode") {
		cfg.Processing.Mode = v.mode
	}
	if flags.Changed("force") {
		cfg.Processing.Force = v.force
	}
	if flags.Changed("limit") {
		cfg.Processing.LimitPerFile = v.limit
	}
	if flags.Changed("batch-size") {
		cfg.Processing.BatchSize = v.batchSize
	}
	if flags.Changed("workers") {
		cfg.Discovery.Workers = v.workers
	}
	if flags.Changed("auto-monitor") {
		cfg.Discovery.AutoMonitor = v.autoMonitor
	}
	if flags.Changed("monitor-duration") {
		cfg.Discovery.MonitorDuration = normalizeDurationFlag(v.monitorDuration)
	}
	if flags.Changed("refresh-minutes") {
		cfg.Discovery.RefreshMinutes = v.refreshMinutes
	}
	if flags.Changed("test") {
		cfg.Processing.DryRun = v.dryRun
	}
	if flags.Changed("log-file") {
		cfg.Logging.File = v.logFile
	}
	if flags.Changed("metrics-listen") {
		cfg.Metrics.Listen = v.metricsListen
		cfg.Metrics.Enabled = true
	}
	if cfg.Discovery.AutoMonitor {
		cfg.Metrics.Enabled = true
	}

	// The state path default depends on the log dir, which may arrive via
	// flag after config load.
	if cfg.State.Path == "" && cfg.Discovery.LogDir != "" {
		cfg.State.Path = filepath.Join(cfg.Discovery.LogDir, ".processing-state.json")
	}
}

// normalizeDurationFlag accepts a bare number as seconds alongside Go
// duration syntax, so `--monitor-duration 20` and `--monitor-duration 2h`
// both work.
func normalizeDurationFlag(s string) string {
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return s + "s"
	}
	return s
}
