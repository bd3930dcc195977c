// Package scheduler owns discovery and dispatch: it scans the partitioned
// log tree, feeds a fixed worker pool through a bounded queue, and in daemon
// mode re-scans on a timer and on filesystem events.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"ssw-nginx-etl/internal/metrics"
	"ssw-nginx-etl/pkg/types"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileProcessor is the per-file pipeline the pool dispatches to.
type FileProcessor interface {
	ProcessFile(ctx context.Context, file *types.LogFile, workerID string) *types.FileResult
}

type Scheduler struct {
	cfg       *types.Config
	discovery *Discovery
	processor FileProcessor
	logger    *logrus.Logger
	runID     string
}

func New(cfg *types.Config, discovery *Discovery, processor FileProcessor, logger *logrus.Logger, runID string) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		discovery: discovery,
		processor: processor,
		logger:    logger,
		runID:     runID,
	}
}

// RunOnce performs a single scan-and-drain cycle and returns its stats.
// Dispatch blocks on the bounded queue, so discovery never outruns the pool
// by more than the queue depth.
func (s *Scheduler) RunOnce(ctx context.Context) (*types.RunStats, error) {
	stats := &types.RunStats{Started: time.Now()}
	metrics.ScanCycles.Inc()

	files, err := s.discovery.Scan()
	if err != nil {
		return stats, err
	}
	stats.Discovered = int64(len(files))
	if len(files) == 0 {
		stats.Finished = time.Now()
		return stats, nil
	}

	workers := s.cfg.Discovery.Workers
	queue := make(chan *types.LogFile, workers*s.cfg.Discovery.QueueFactor)
	results := make(chan *types.FileResult, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-w%d", s.runID, i)
		go func() {
			defer wg.Done()
			for file := range queue {
				metrics.ActiveWorkers.Inc()
				result := s.processor.ProcessFile(ctx, file, workerID)
				metrics.ActiveWorkers.Dec()
				results <- result
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, file := range files {
			select {
			case queue <- file:
				metrics.QueueDepth.Set(float64(len(queue)))
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for result := range results {
		s.accumulate(stats, result)
	}
	stats.Finished = time.Now()
	return stats, nil
}

func (s *Scheduler) accumulate(stats *types.RunStats, result *types.FileResult) {
	stats.RecordsIngested += result.RecordsIngested
	stats.ParseFailures += result.ParseFailures

	switch result.Decision {
	case types.ClaimSkipCompleted:
		stats.SkippedComplete++
		return
	case types.ClaimSkipInProgress:
		stats.SkippedBusy++
		return
	}

	if result.Status == types.StatusFailed {
		stats.Failed++
		row := &types.FileState{Path: result.Path, Status: types.StatusFailed}
		if result.Err != nil {
			row.ErrorMessage = result.Err.Error()
		}
		stats.FailedFiles = append(stats.FailedFiles, row)
		return
	}
	stats.Completed++
}

// RunDaemon loops scan cycles until the monitor duration elapses or the
// context is cancelled. Between cycles it sleeps on the refresh interval but
// wakes early on filesystem activity under the partition directories. Only
// one daemon per log root runs at a time, enforced by a pid lock file.
func (s *Scheduler) RunDaemon(ctx context.Context) (*types.RunStats, error) {
	release, err := s.acquireLock()
	if err != nil {
		return nil, err
	}
	defer release()

	budget := types.ParseDuration(s.cfg.Discovery.MonitorDuration, 2*time.Hour)
	refresh := time.Duration(s.cfg.Discovery.RefreshMinutes * float64(time.Minute))
	if refresh <= 0 {
		refresh = 3 * time.Minute
	}
	deadline := time.Now().Add(budget)

	watcher, watchErr := s.newWatcher()
	if watchErr != nil {
		s.logger.WithError(watchErr).Warn("Filesystem watcher unavailable, using timer only")
	} else {
		defer watcher.Close()
	}

	s.logger.WithFields(logrus.Fields{
		"refresh":  refresh.String(),
		"duration": budget.String(),
	}).Info("Daemon mode started")

	total := &types.RunStats{Started: time.Now()}
	for {
		cycle, err := s.RunOnce(ctx)
		if err != nil {
			// A failed scan is retried next cycle; the tree may be mid-rotation.
			s.logger.WithError(err).Error("Scan cycle failed")
		} else {
			mergeStats(total, cycle)
			if cycle.Discovered > 0 {
				s.logger.WithFields(logrus.Fields{
					"discovered": cycle.Discovered,
					"completed":  cycle.Completed,
					"failed":     cycle.Failed,
					"records":    cycle.RecordsIngested,
				}).Info("Scan cycle complete")
			}
		}

		if watcher != nil {
			s.refreshWatches(watcher)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := refresh
		if wait > remaining {
			wait = remaining
		}
		if stopped := s.sleep(ctx, watcher, wait); stopped {
			total.Finished = time.Now()
			return total, ctx.Err()
		}
	}
	total.Finished = time.Now()
	return total, nil
}

// sleep waits out the refresh interval, returning early on a filesystem
// event. Events are debounced briefly so a burst of writes triggers one
// rescan.
func (s *Scheduler) sleep(ctx context.Context, watcher *fsnotify.Watcher, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return true
		case <-timer.C:
			return false
		case event := <-events:
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.WithField("event", event.String()).Debug("Filesystem activity, waking scan loop")
			time.Sleep(500 * time.Millisecond)
			drainEvents(events)
			return false
		case err := <-errs:
			if err != nil {
				s.logger.WithError(err).Debug("Watcher error")
			}
		}
	}
}

func drainEvents(events <-chan fsnotify.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

func (s *Scheduler) newWatcher() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(s.cfg.Discovery.LogDir); err != nil {
		watcher.Close()
		return nil, err
	}
	s.refreshWatches(watcher)
	return watcher, nil
}

// refreshWatches adds any partition directories created since the last cycle.
// fsnotify ignores duplicate adds.
func (s *Scheduler) refreshWatches(watcher *fsnotify.Watcher) {
	for _, dir := range s.discovery.Partitions() {
		if err := watcher.Add(dir); err != nil {
			s.logger.WithError(err).WithField("dir", dir).Debug("Failed to watch partition")
		}
	}
}

func mergeStats(total, cycle *types.RunStats) {
	total.Discovered += cycle.Discovered
	total.SkippedComplete += cycle.SkippedComplete
	total.SkippedBusy += cycle.SkippedBusy
	total.Completed += cycle.Completed
	total.Failed += cycle.Failed
	total.RecordsIngested += cycle.RecordsIngested
	total.ParseFailures += cycle.ParseFailures
	total.FailedFiles = append(total.FailedFiles, cycle.FailedFiles...)
}

// acquireLock takes the per-root daemon lock. A lock held by a dead process
// is stale and replaced.
func (s *Scheduler) acquireLock() (func(), error) {
	lockPath := filepath.Join(s.cfg.Discovery.LogDir, ".etl-daemon.lock")

	if data, err := os.ReadFile(lockPath); err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && processAlive(pid) {
			return nil, fmt.Errorf("daemon already running (pid %d, lock %s)", pid, lockPath)
		}
		s.logger.WithField("lock", lockPath).Warn("Removing stale daemon lock")
		os.Remove(lockPath)
	}

	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return nil, fmt.Errorf("failed to write daemon lock: %w", err)
	}
	return func() { os.Remove(lockPath) }, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
