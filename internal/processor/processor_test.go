package processor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ssw-nginx-etl/internal/config"
	"ssw-nginx-etl/internal/enricher"
	"ssw-nginx-etl/internal/state"
	"ssw-nginx-etl/pkg/types"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWarehouse struct {
	mu        sync.Mutex
	enriched  []*types.EnrichedRecord
	raw       []*types.RawRecord
	insertErr error
}

func (f *fakeWarehouse) InsertEnriched(ctx context.Context, rows []*types.EnrichedRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.enriched = append(f.enriched, rows...)
	return nil
}

func (f *fakeWarehouse) InsertRaw(ctx context.Context, rows []*types.RawRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.raw = append(f.raw, rows...)
	return nil
}

func (f *fakeWarehouse) Ping(ctx context.Context) error { return nil }
func (f *fakeWarehouse) Close() error                   { return nil }

func (f *fakeWarehouse) rows() []*types.EnrichedRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.EnrichedRecord, len(f.enriched))
	copy(out, f.enriched)
	return out
}

type harness struct {
	proc  *Processor
	wh    *fakeWarehouse
	store *state.Store
	cfg   *types.Config
	dir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Discovery.LogDir = dir
	cfg.State.Path = filepath.Join(dir, ".processing-state.json")
	cfg.Processing.StabilizeSeconds = 0
	cfg.Processing.BatchSize = 100

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store, err := state.Open(cfg.State.Path, 2*time.Hour, "v-test", logger)
	require.NoError(t, err)

	enr, err := enricher.New(cfg.Rules)
	require.NoError(t, err)

	wh := &fakeWarehouse{}
	return &harness{
		proc:  New(cfg, enr, wh, store, logger),
		wh:    wh,
		store: store,
		cfg:   cfg,
		dir:   dir,
	}
}

func (h *harness) writeFile(t *testing.T, name string, content []byte) *types.LogFile {
	t.Helper()
	partition := filepath.Join(h.dir, "2025-08-29")
	require.NoError(t, os.MkdirAll(partition, 0755))
	path := filepath.Join(partition, name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	return &types.LogFile{
		Path:      path,
		Partition: "2025-08-29",
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
		Format:    types.FormatAuto,
	}
}

const goodLine = `{"time":"2025-08-29T07:15:37+08:00","remote_addr":"10.0.0.1",` +
	`"request":"GET /api/v1/users?id=42 HTTP/1.1","status":"200","body":"123",` +
	`"ar_time":"0.150","upstream_response_time":"0.140","upstream_header_time":"0.130",` +
	`"upstream_connect_time":"0.010","agent":"zgt-ios/1.4.1"}`

func TestProcessFileHappyPath(t *testing.T) {
	h := newHarness(t)
	file := h.writeFile(t, "access.log", []byte(goodLine+"\nnot a log\n"))

	result := h.proc.ProcessFile(context.Background(), file, "w0")
	require.NoError(t, result.Err)
	assert.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, int64(1), result.RecordsIngested)
	assert.Equal(t, int64(1), result.ParseFailures)

	rows := h.wh.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "iOS", rows[0].Platform)
	assert.Equal(t, "business", rows[0].APICategory)
	assert.Equal(t, "/api/v1/users", rows[0].NormalizedURI)
	assert.True(t, rows[0].IsSuccess)
	assert.NotZero(t, rows[0].ID)

	row := h.store.Lookup(file.Path)
	require.NotNil(t, row)
	assert.Equal(t, types.StatusCompleted, row.Status)
	assert.Equal(t, int64(1), row.RecordsIngested)
	assert.Equal(t, int64(1), row.ParseFailures)
}

func TestProcessFileIdempotentRerun(t *testing.T) {
	h := newHarness(t)
	file := h.writeFile(t, "access.log", []byte(goodLine+"\n"))

	first := h.proc.ProcessFile(context.Background(), file, "w0")
	require.Equal(t, types.StatusCompleted, first.Status)
	require.Len(t, h.wh.rows(), 1)

	second := h.proc.ProcessFile(context.Background(), file, "w0")
	assert.Equal(t, types.ClaimSkipCompleted, second.Decision)
	assert.Len(t, h.wh.rows(), 1, "no rows added on rerun")
}

func TestProcessFileContentChangeReingests(t *testing.T) {
	h := newHarness(t)
	file := h.writeFile(t, "access.log", []byte(goodLine+"\n"))

	first := h.proc.ProcessFile(context.Background(), file, "w0")
	require.Equal(t, types.StatusCompleted, first.Status)
	firstID := h.wh.rows()[0].ID

	// Append a line; the content digest changes and the file is new work.
	handle, err := os.OpenFile(file.Path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = handle.WriteString(goodLine + "\n")
	require.NoError(t, err)
	require.NoError(t, handle.Close())

	info, err := os.Stat(file.Path)
	require.NoError(t, err)
	file.SizeBytes = info.Size()
	file.ModTime = info.ModTime()
	file.ContentDigest = 0
	file.CheapHash = 0

	second := h.proc.ProcessFile(context.Background(), file, "w0")
	assert.Equal(t, types.ClaimProceed, second.Decision)
	assert.Equal(t, int64(2), second.RecordsIngested)

	rows := h.wh.rows()
	require.Len(t, rows, 3)
	assert.NotEqual(t, firstID, rows[1].ID, "digest change renames row ids")
}

func TestProcessFileForceReprocesses(t *testing.T) {
	h := newHarness(t)
	file := h.writeFile(t, "access.log", []byte(goodLine+"\n"))

	first := h.proc.ProcessFile(context.Background(), file, "w0")
	require.Equal(t, types.StatusCompleted, first.Status)

	h.cfg.Processing.Force = true
	second := h.proc.ProcessFile(context.Background(), file, "w0")
	assert.Equal(t, types.ClaimProceed, second.Decision)
	assert.Len(t, h.wh.rows(), 2)

	// Same content, same offsets: identical ids both runs.
	assert.Equal(t, h.wh.rows()[0].ID, h.wh.rows()[1].ID)
}

func TestProcessFileGzip(t *testing.T) {
	h := newHarness(t)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(goodLine + "\n" + goodLine + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	file := h.writeFile(t, "access.log.gz", buf.Bytes())
	file.Compressed = true

	result := h.proc.ProcessFile(context.Background(), file, "w0")
	require.NoError(t, result.Err)
	assert.Equal(t, int64(2), result.RecordsIngested)
	assert.Len(t, h.wh.rows(), 2)
}

func TestProcessFileMissingStatusIsFailure(t *testing.T) {
	h := newHarness(t)
	line := `{"time":"2025-08-29T07:15:37+08:00","remote_addr":"10.0.0.1"}`
	file := h.writeFile(t, "access.log", []byte(line+"\n"))

	result := h.proc.ProcessFile(context.Background(), file, "w0")
	require.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, int64(0), result.RecordsIngested)
	assert.Equal(t, int64(1), result.ParseFailures)
}

func TestProcessFileFailureOnlyFile(t *testing.T) {
	h := newHarness(t)
	file := h.writeFile(t, "access.log", []byte("not a log\nstill not a log\n"))

	result := h.proc.ProcessFile(context.Background(), file, "w0")
	require.NoError(t, result.Err)
	assert.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, int64(0), result.RecordsIngested)
	assert.Equal(t, int64(2), result.ParseFailures)
	assert.Empty(t, h.wh.rows())

	row := h.store.Lookup(file.Path)
	require.NotNil(t, row)
	assert.Equal(t, types.StatusCompleted, row.Status)
	assert.Equal(t, int64(2), row.ParseFailures)
	assert.NotZero(t, row.BytesConsumed)
}

func TestProcessFileTrailingFailuresAfterFlush(t *testing.T) {
	h := newHarness(t)
	h.cfg.Processing.BatchSize = 1
	h.proc.batchSize = 1
	file := h.writeFile(t, "access.log", []byte(goodLine+"\nnot a log\nnot a log either\n"))

	result := h.proc.ProcessFile(context.Background(), file, "w0")
	require.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, int64(1), result.RecordsIngested)
	assert.Equal(t, int64(2), result.ParseFailures, "failures after the last record-bearing batch still count")

	row := h.store.Lookup(file.Path)
	require.NotNil(t, row)
	assert.Equal(t, int64(2), row.ParseFailures)
}

func TestProcessFileEmptyFileCompletes(t *testing.T) {
	h := newHarness(t)
	file := h.writeFile(t, "empty.log", nil)

	result := h.proc.ProcessFile(context.Background(), file, "w0")
	require.NoError(t, result.Err)
	assert.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, int64(0), result.RecordsIngested)
	assert.Equal(t, int64(0), result.ParseFailures)

	row := h.store.Lookup(file.Path)
	require.NotNil(t, row)
	assert.Equal(t, types.StatusCompleted, row.Status)
}

func TestProcessFileFullModeBypassesState(t *testing.T) {
	h := newHarness(t)
	h.cfg.Processing.Mode = "full"
	file := h.writeFile(t, "access.log", []byte(goodLine+"\n"))

	first := h.proc.ProcessFile(context.Background(), file, "w0")
	require.Equal(t, types.StatusCompleted, first.Status)
	assert.Nil(t, h.store.Lookup(file.Path), "full mode leaves no state row")

	second := h.proc.ProcessFile(context.Background(), file, "w0")
	assert.Equal(t, types.ClaimProceed, second.Decision)
	rows := h.wh.rows()
	require.Len(t, rows, 2, "full mode always reprocesses")
	assert.Equal(t, rows[0].ID, rows[1].ID, "replacing merge collapses the rerun")
}

func TestProcessFileSkippableLinesIgnored(t *testing.T) {
	h := newHarness(t)
	file := h.writeFile(t, "access.log", []byte("# header\n\n"+goodLine+"\n"))

	result := h.proc.ProcessFile(context.Background(), file, "w0")
	assert.Equal(t, int64(1), result.RecordsIngested)
	assert.Equal(t, int64(0), result.ParseFailures)
}

func TestProcessFileLimit(t *testing.T) {
	h := newHarness(t)
	h.cfg.Processing.LimitPerFile = 2
	content := goodLine + "\n" + goodLine + "\n" + goodLine + "\n" + goodLine + "\n"
	file := h.writeFile(t, "access.log", []byte(content))

	result := h.proc.ProcessFile(context.Background(), file, "w0")
	require.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, int64(2), result.RecordsIngested)
	assert.Len(t, h.wh.rows(), 2)
}

func TestProcessFileDryRun(t *testing.T) {
	h := newHarness(t)
	h.cfg.Processing.DryRun = true
	file := h.writeFile(t, "access.log", []byte(goodLine+"\n"))

	result := h.proc.ProcessFile(context.Background(), file, "w0")
	require.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, int64(1), result.RecordsIngested)
	assert.Empty(t, h.wh.rows(), "dry run writes nothing")
	assert.Nil(t, h.store.Lookup(file.Path), "dry run claims nothing")
}

func TestProcessFileWarehouseFailure(t *testing.T) {
	h := newHarness(t)
	h.wh.insertErr = fmt.Errorf("connection refused")
	file := h.writeFile(t, "access.log", []byte(goodLine+"\n"))

	result := h.proc.ProcessFile(context.Background(), file, "w0")
	require.Error(t, result.Err)
	assert.Equal(t, types.StatusFailed, result.Status)

	row := h.store.Lookup(file.Path)
	require.NotNil(t, row)
	assert.Equal(t, types.StatusFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "connection refused")
}

func TestProcessFileCancellation(t *testing.T) {
	h := newHarness(t)
	file := h.writeFile(t, "access.log", []byte(goodLine+"\n"+goodLine+"\n"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := h.proc.ProcessFile(ctx, file, "w0")
	require.Error(t, result.Err)
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Contains(t, result.Err.Error(), "cancelled")
}

func TestProcessFileWriteRawTable(t *testing.T) {
	h := newHarness(t)
	h.cfg.Processing.WriteRawTable = true
	file := h.writeFile(t, "access.log", []byte(goodLine+"\n"))

	result := h.proc.ProcessFile(context.Background(), file, "w0")
	require.Equal(t, types.StatusCompleted, result.Status)

	h.wh.mu.Lock()
	defer h.wh.mu.Unlock()
	require.Len(t, h.wh.raw, 1)
	assert.Equal(t, "200", h.wh.raw[0].Status)
	assert.NotZero(t, h.wh.raw[0].ID)
}

func TestProcessFileMissingFileFails(t *testing.T) {
	h := newHarness(t)
	file := &types.LogFile{
		Path:      filepath.Join(h.dir, "2025-08-29", "missing.log"),
		Partition: "2025-08-29",
	}

	result := h.proc.ProcessFile(context.Background(), file, "w0")
	require.Error(t, result.Err)
	assert.Equal(t, types.StatusFailed, result.Status)
}
