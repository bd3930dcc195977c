package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ssw-nginx-etl/internal/config"
	"ssw-nginx-etl/internal/metrics"
	"ssw-nginx-etl/internal/state"
	"ssw-nginx-etl/pkg/types"

	"github.com/sirupsen/logrus"
)

// Discovery scans the two-level log tree: <log_dir>/<date>/<file>. Partition
// directories carry the date in either YYYY-MM-DD or YYYYMMDD form; anything
// else at the top level is ignored.
type Discovery struct {
	cfg    types.DiscoveryConfig
	logger *logrus.Logger
}

func NewDiscovery(cfg types.DiscoveryConfig, logger *logrus.Logger) *Discovery {
	return &Discovery{cfg: cfg, logger: logger}
}

// Scan returns the candidate files for this cycle, ordered oldest partition
// first and by filename within a partition. With neither --date nor --all the
// scan covers every partition; the state store decides what is actually new.
func (d *Discovery) Scan() ([]*types.LogFile, error) {
	var wantDate string
	if d.cfg.Date != "" {
		normalized, err := config.NormalizeDate(d.cfg.Date)
		if err != nil {
			return nil, err
		}
		wantDate = normalized
	}

	entries, err := os.ReadDir(d.cfg.LogDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log dir: %w", err)
	}

	var files []*types.LogFile
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		partition, err := config.NormalizeDate(entry.Name())
		if err != nil {
			continue // not a date partition
		}
		if wantDate != "" && partition != wantDate {
			continue
		}

		partitionFiles, err := d.scanPartition(filepath.Join(d.cfg.LogDir, entry.Name()), partition)
		if err != nil {
			d.logger.WithError(err).WithField("partition", partition).
				Warn("Failed to scan partition, skipping")
			continue
		}
		files = append(files, partitionFiles...)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Partition != files[j].Partition {
			return files[i].Partition < files[j].Partition
		}
		return files[i].Path < files[j].Path
	})

	metrics.FilesDiscovered.Add(float64(len(files)))
	d.logger.WithFields(logrus.Fields{
		"count": len(files),
		"date":  wantDate,
	}).Debug("Discovery scan complete")
	return files, nil
}

func (d *Discovery) scanPartition(dir, partition string) ([]*types.LogFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []*types.LogFile
	for _, entry := range entries {
		if entry.IsDir() || !d.matchesPattern(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			d.logger.WithError(err).WithField("file", entry.Name()).Debug("Stat failed during scan")
			continue
		}
		path := filepath.Join(dir, entry.Name())
		files = append(files, &types.LogFile{
			Path:       path,
			Partition:  partition,
			SizeBytes:  info.Size(),
			ModTime:    info.ModTime(),
			Format:     types.FormatAuto,
			Compressed: strings.HasSuffix(entry.Name(), ".gz"),
			CheapHash:  state.CheapHash(path, info.Size(), info.ModTime()),
		})
	}
	return files, nil
}

func (d *Discovery) matchesPattern(name string) bool {
	for _, pattern := range d.cfg.IncludePatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Partitions lists the partition directories the current scan settings cover.
// The daemon watches these for filesystem events between refresh cycles.
func (d *Discovery) Partitions() []string {
	entries, err := os.ReadDir(d.cfg.LogDir)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := config.NormalizeDate(entry.Name()); err != nil {
			continue
		}
		dirs = append(dirs, filepath.Join(d.cfg.LogDir, entry.Name()))
	}
	return dirs
}
