// Package state persists per-file processing progress. The representation
// is a single JSON document (an array of FileState rows) replaced
// atomically via write-temp-then-rename with fsync, so a crash never leaves
// a torn state file. It is the single durable truth for cross-run progress.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"ssw-nginx-etl/internal/metrics"
	"ssw-nginx-etl/pkg/types"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

const claimStripes = 64

// Store is the durable FileState store. A claim is an atomic
// read-modify-write under a per-path stripe lock; the map itself is guarded
// by mu.
type Store struct {
	mu         sync.RWMutex
	rows       map[string]*types.FileState // keyed by path
	path       string
	staleAfter time.Duration
	version    string
	logger     *logrus.Logger

	stripes [claimStripes]sync.Mutex
	flushMu sync.Mutex
}

// Open loads (or initializes) the state document at path.
func Open(path string, staleAfter time.Duration, version string, logger *logrus.Logger) (*Store, error) {
	store := &Store{
		rows:       make(map[string]*types.FileState),
		path:       path,
		staleAfter: staleAfter,
		version:    version,
		logger:     logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.WithField("path", path).Info("State file not found, starting fresh")
			return store, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var rows []*types.FileState
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("state file corrupt: %w", err)
	}
	for _, row := range rows {
		store.rows[row.Path] = row
	}
	logger.WithField("count", len(rows)).Info("Loaded processing state")
	return store, nil
}

func (s *Store) stripe(path string) *sync.Mutex {
	return &s.stripes[xxhash.Sum64String(path)%claimStripes]
}

// Claim atomically acquires processing rights to a file. The decision and
// the in-progress transition happen under the path's stripe lock, and the
// new row is durably flushed before the claim is acknowledged.
func (s *Store) Claim(file *types.LogFile, workerID string, force bool) (types.ClaimDecision, error) {
	lock := s.stripe(file.Path)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	existing := s.rows[file.Path]

	if existing != nil {
		switch existing.Status {
		case types.StatusCompleted:
			// Same content already done: skip. Different digest means the
			// file changed (rotation or append) and is a new unit of work.
			if existing.ContentDigest == file.ContentDigest && !force {
				s.mu.Unlock()
				return types.ClaimSkipCompleted, nil
			}
		case types.StatusInProgress:
			ref := existing.LastUpdate
			if ref.IsZero() {
				ref = existing.StartTime
			}
			if time.Since(ref) < s.staleAfter {
				s.mu.Unlock()
				return types.ClaimSkipInProgress, nil
			}
			s.logger.WithFields(logrus.Fields{
				"path":        file.Path,
				"stale_since": ref.Format(time.RFC3339),
			}).Warn("Reclaiming abandoned in-progress file")
		}
	}

	s.rows[file.Path] = &types.FileState{
		Path:             file.Path,
		Partition:        file.Partition,
		CheapHash:        file.CheapHash,
		ContentDigest:    file.ContentDigest,
		SizeBytes:        file.SizeBytes,
		Status:           types.StatusInProgress,
		StartTime:        time.Now(),
		LastUpdate:       time.Now(),
		ProcessorVersion: s.version,
		WorkerID:         workerID,
	}
	s.mu.Unlock()

	if err := s.flush(); err != nil {
		return types.ClaimProceed, fmt.Errorf("failed to persist claim: %w", err)
	}
	return types.ClaimProceed, nil
}

// Update accumulates progress deltas. Committed before returning so a crash
// cannot lose acknowledged progress.
func (s *Store) Update(path string, deltaRecords, deltaFailures, deltaBytes int64) error {
	s.mu.Lock()
	row, ok := s.rows[path]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update for unclaimed file: %s", path)
	}
	row.RecordsIngested += deltaRecords
	row.ParseFailures += deltaFailures
	row.BytesConsumed += deltaBytes
	row.LastUpdate = time.Now()
	s.mu.Unlock()

	return s.flush()
}

// Finish writes the terminal state.
func (s *Store) Finish(path string, status types.FileStatus, errMsg string) error {
	s.mu.Lock()
	row, ok := s.rows[path]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("finish for unclaimed file: %s", path)
	}
	row.Status = status
	row.EndTime = time.Now()
	row.LastUpdate = row.EndTime
	row.ErrorMessage = errMsg
	s.mu.Unlock()

	return s.flush()
}

// ListUnfinished returns pending/in-progress/failed rows.
func (s *Store) ListUnfinished() []*types.FileState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.FileState
	for _, row := range s.rows {
		if row.Status != types.StatusCompleted {
			copied := *row
			out = append(out, &copied)
		}
	}
	return out
}

// ResetFailed transitions failed rows back to pending. An empty partition
// resets all failed rows.
func (s *Store) ResetFailed(partition string) (int, error) {
	s.mu.Lock()
	count := 0
	for _, row := range s.rows {
		if row.Status != types.StatusFailed {
			continue
		}
		if partition != "" && row.Partition != partition {
			continue
		}
		row.Status = types.StatusPending
		row.ErrorMessage = ""
		row.LastUpdate = time.Now()
		count++
	}
	s.mu.Unlock()

	if count == 0 {
		return 0, nil
	}
	return count, s.flush()
}

// Snapshot returns a copy of every row, sorted by partition then path.
func (s *Store) Snapshot() []*types.FileState {
	s.mu.RLock()
	out := make([]*types.FileState, 0, len(s.rows))
	for _, row := range s.rows {
		copied := *row
		out = append(out, &copied)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Partition != out[j].Partition {
			return out[i].Partition < out[j].Partition
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Lookup returns a copy of the row for path, or nil.
func (s *Store) Lookup(path string) *types.FileState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if row, ok := s.rows[path]; ok {
		copied := *row
		return &copied
	}
	return nil
}

// flush writes the document atomically: marshal a sorted array, write to a
// temp file, fsync, rename into place. Writers share one temp path, so
// flushes are serialized; each caller still snapshots after its own mutation
// and the last rename wins with a superset of every acknowledged change.
func (s *Store) flush() error {
	s.flushMu.Lock()
	err := s.flushLocked()
	s.flushMu.Unlock()
	metrics.RecordStateFlush(err)
	return err
}

func (s *Store) flushLocked() error {
	rows := s.Snapshot()

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tempFile := s.path + ".tmp"
	file, err := os.OpenFile(tempFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempFile)
		return err
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}
