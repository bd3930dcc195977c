package scheduler

import (
	"os"
	"path/filepath"
	"testing"

	"ssw-nginx-etl/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func discoveryConfig(dir string) types.DiscoveryConfig {
	return types.DiscoveryConfig{
		LogDir:          dir,
		IncludePatterns: []string{"*.log", "*.log.gz"},
	}
}

func seedTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	write := func(rel string, content string) {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	write("2025-08-29/b.log", "line\n")
	write("2025-08-29/a.log", "line\n")
	write("2025-08-28/old.log", "line\n")
	write("20250830/compact.log", "line\n")
	write("2025-08-29/notes.txt", "ignored\n")
	write("2025-08-29/empty.log", "")
	write("not-a-date/x.log", "ignored\n")
	write("stray.log", "top level files are ignored\n")
	return dir
}

func TestScanLayoutAndOrdering(t *testing.T) {
	dir := seedTree(t)
	d := NewDiscovery(discoveryConfig(dir), testLogger())

	files, err := d.Scan()
	require.NoError(t, err)
	require.Len(t, files, 5)

	assert.Equal(t, "2025-08-28", files[0].Partition)
	assert.Equal(t, "2025-08-29", files[1].Partition)
	assert.Equal(t, "a.log", filepath.Base(files[1].Path))
	assert.Equal(t, "b.log", filepath.Base(files[2].Path))
	assert.Equal(t, "empty.log", filepath.Base(files[3].Path))
	assert.Equal(t, "2025-08-30", files[4].Partition, "compact dir name normalizes")

	for _, file := range files {
		assert.NotZero(t, file.CheapHash)
		assert.Equal(t, types.FormatAuto, file.Format)
	}
}

func TestScanIncludesEmptyFiles(t *testing.T) {
	dir := seedTree(t)

	files, err := NewDiscovery(discoveryConfig(dir), testLogger()).Scan()
	require.NoError(t, err)

	var empty *types.LogFile
	for _, file := range files {
		if filepath.Base(file.Path) == "empty.log" {
			empty = file
		}
	}
	require.NotNil(t, empty, "empty files are dispatched, not silently rescanned")
	assert.Zero(t, empty.SizeBytes)
}

func TestScanDateFilter(t *testing.T) {
	dir := seedTree(t)
	cfg := discoveryConfig(dir)
	cfg.Date = "20250829"

	files, err := NewDiscovery(cfg, testLogger()).Scan()
	require.NoError(t, err)
	require.Len(t, files, 3)
	for _, file := range files {
		assert.Equal(t, "2025-08-29", file.Partition)
	}
}

func TestScanInvalidDateFails(t *testing.T) {
	cfg := discoveryConfig(seedTree(t))
	cfg.Date = "yesterday"

	_, err := NewDiscovery(cfg, testLogger()).Scan()
	assert.Error(t, err)
}

func TestScanCompressedFlag(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "2025-08-29")
	require.NoError(t, os.MkdirAll(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "a.log.gz"), []byte("x\n"), 0644))

	files, err := NewDiscovery(discoveryConfig(dir), testLogger()).Scan()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].Compressed)
}

func TestScanMissingRootFails(t *testing.T) {
	cfg := discoveryConfig(filepath.Join(t.TempDir(), "nope"))
	_, err := NewDiscovery(cfg, testLogger()).Scan()
	assert.Error(t, err)
}

func TestPartitions(t *testing.T) {
	dir := seedTree(t)
	dirs := NewDiscovery(discoveryConfig(dir), testLogger()).Partitions()
	assert.Len(t, dirs, 3)
}
