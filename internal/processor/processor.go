// Package processor runs the per-file pipeline: stabilize, claim, stream,
// parse, enrich, batch, flush, finish. One worker owns one file at a time;
// inside a file everything is single-threaded so insert order matches read
// order.
package processor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"ssw-nginx-etl/internal/enricher"
	"ssw-nginx-etl/internal/metrics"
	"ssw-nginx-etl/internal/parser"
	"ssw-nginx-etl/internal/state"
	"ssw-nginx-etl/internal/tracing"
	"ssw-nginx-etl/internal/warehouse"
	"ssw-nginx-etl/pkg/types"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// Processor is shared by all workers; per-file state lives on the stack of
// ProcessFile.
type Processor struct {
	cfg       *types.Config
	enricher  *enricher.Enricher
	warehouse types.Warehouse
	store     types.StateStore
	logger    *logrus.Logger

	batchSize     int
	flushInterval time.Duration
	stabilizeWait time.Duration
}

func New(cfg *types.Config, enr *enricher.Enricher, wh types.Warehouse, store types.StateStore, logger *logrus.Logger) *Processor {
	return &Processor{
		cfg:           cfg,
		enricher:      enr,
		warehouse:     wh,
		store:         store,
		logger:        logger,
		batchSize:     cfg.Processing.BatchSize,
		flushInterval: types.ParseDuration(cfg.Processing.FlushInterval, 5*time.Second),
		stabilizeWait: time.Duration(cfg.Processing.StabilizeSeconds) * time.Second,
	}
}

// ProcessFile drives one file to a terminal state. It always returns a
// result; errors are recorded in the result and in the state store, never
// propagated as a worker crash.
func (p *Processor) ProcessFile(ctx context.Context, file *types.LogFile, workerID string) *types.FileResult {
	started := time.Now()
	result := &types.FileResult{Path: file.Path, Decision: types.ClaimProceed}

	ctx, span := tracing.StartFileSpan(ctx, file.Path, file.Partition)
	defer span.End()

	log := p.logger.WithFields(logrus.Fields{
		"file":      file.Path,
		"partition": file.Partition,
		"worker":    workerID,
	})

	if err := p.stabilize(ctx, file); err != nil {
		result.Status = types.StatusFailed
		result.Err = err
		result.Elapsed = time.Since(started)
		return result
	}

	dryRun := p.cfg.Processing.DryRun
	force := p.cfg.Processing.Force
	// Full mode reprocesses everything without consulting or writing the
	// state store; dedup falls entirely on the warehouse's replacing merge.
	trackState := !dryRun && p.cfg.Processing.Mode != "full"

	if err := p.resolveIdentity(file); err != nil {
		result.Status = types.StatusFailed
		result.Err = err
		result.Elapsed = time.Since(started)
		return result
	}

	if trackState {
		decision, err := p.store.Claim(file, workerID, force)
		if err != nil {
			// State store failure is fatal to this worker's file.
			result.Status = types.StatusFailed
			result.Err = fmt.Errorf("state store claim: %w", err)
			result.Elapsed = time.Since(started)
			return result
		}
		result.Decision = decision
		switch decision {
		case types.ClaimSkipCompleted:
			log.Debug("Skipping file: content already completed")
			metrics.RecordFileOutcome("skip_completed")
			result.Status = types.StatusCompleted
			result.Elapsed = time.Since(started)
			return result
		case types.ClaimSkipInProgress:
			log.Debug("Skipping file: claimed by another worker")
			metrics.RecordFileOutcome("skip_in_progress")
			result.Status = types.StatusInProgress
			result.Elapsed = time.Since(started)
			return result
		}
	}

	log.WithField("size_bytes", file.SizeBytes).Info("Processing file")

	stats, err := p.ingest(ctx, file, dryRun, trackState)
	result.RecordsIngested = stats.records
	result.ParseFailures = stats.failures
	result.BytesConsumed = stats.bytes
	result.Elapsed = time.Since(started)
	metrics.FileProcessingDuration.Observe(result.Elapsed.Seconds())

	if err != nil {
		result.Status = types.StatusFailed
		result.Err = err
		if trackState {
			if ferr := p.store.Finish(file.Path, types.StatusFailed, err.Error()); ferr != nil {
				log.WithError(ferr).Error("Failed to record failed state")
			}
		}
		metrics.RecordFileOutcome("failed")
		log.WithError(err).WithFields(logrus.Fields{
			"records":  stats.records,
			"failures": stats.failures,
		}).Error("File failed")
		return result
	}

	result.Status = types.StatusCompleted
	if trackState {
		if ferr := p.store.Finish(file.Path, types.StatusCompleted, ""); ferr != nil {
			result.Status = types.StatusFailed
			result.Err = fmt.Errorf("state store finish: %w", ferr)
			metrics.RecordFileOutcome("failed")
			return result
		}
	}
	metrics.RecordFileOutcome("completed")
	log.WithFields(logrus.Fields{
		"records":    stats.records,
		"failures":   stats.failures,
		"bytes":      stats.bytes,
		"elapsed_ms": result.Elapsed.Milliseconds(),
	}).Info("File completed")
	return result
}

// stabilize waits for the file size to settle, guarding against partially
// written logs. Skipped with --force and for past-date partitions, where
// the writer is long gone.
func (p *Processor) stabilize(ctx context.Context, file *types.LogFile) error {
	if p.cfg.Processing.Force || p.stabilizeWait <= 0 {
		return nil
	}
	if start, err := time.Parse("2006-01-02", file.Partition); err == nil {
		if time.Since(start) > 24*time.Hour {
			return nil
		}
	}

	for {
		before, err := os.Stat(file.Path)
		if err != nil {
			return fmt.Errorf("stabilization stat: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.stabilizeWait):
		}
		after, err := os.Stat(file.Path)
		if err != nil {
			return fmt.Errorf("stabilization stat: %w", err)
		}
		if before.Size() == after.Size() {
			file.SizeBytes = after.Size()
			file.ModTime = after.ModTime()
			return nil
		}
		p.logger.WithFields(logrus.Fields{
			"file": file.Path,
			"from": before.Size(),
			"to":   after.Size(),
		}).Debug("File still growing, stabilization re-runs")
	}
}

// resolveIdentity fills the cheap hash and content digest. The cheap hash
// short-circuits the digest when it matches a completed row.
func (p *Processor) resolveIdentity(file *types.LogFile) error {
	file.CheapHash = state.CheapHash(file.Path, file.SizeBytes, file.ModTime)

	if lookup, ok := p.store.(interface{ Lookup(string) *types.FileState }); ok {
		if row := lookup.Lookup(file.Path); row != nil &&
			row.Status == types.StatusCompleted && row.CheapHash == file.CheapHash {
			file.ContentDigest = row.ContentDigest
			return nil
		}
	}

	digest, err := state.ContentDigest(file.Path)
	if err != nil {
		return err
	}
	file.ContentDigest = digest
	return nil
}

type ingestStats struct {
	records  int64
	failures int64
	bytes    int64
}

// ingest streams the file line by line through parse and enrich, buffering
// into batches and flushing synchronously. Within a file, rows reach the
// warehouse in read order.
func (p *Processor) ingest(ctx context.Context, file *types.LogFile, dryRun, trackState bool) (ingestStats, error) {
	var stats ingestStats

	handle, err := os.Open(file.Path)
	if err != nil {
		return stats, fmt.Errorf("open: %w", err)
	}
	defer handle.Close()

	reader, err := decompressed(handle)
	if err != nil {
		return stats, fmt.Errorf("open stream: %w", err)
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), p.cfg.Processing.MaxLineBytes)

	batch := make([]*types.EnrichedRecord, 0, p.batchSize)
	var rawBatch []*types.RawRecord
	writeRaw := p.cfg.Processing.WriteRawTable && !dryRun
	if writeRaw {
		rawBatch = make([]*types.RawRecord, 0, p.batchSize)
	}

	var (
		offset       int64
		lineNumber   int64
		pendingRecs  int64
		pendingFails int64
		pendingBytes int64
		lastFlush    = time.Now()
		limit        = p.cfg.Processing.LimitPerFile
		sampleBudget = p.cfg.Processing.FailureLogSample
		cancelled    bool
	)

	// flush commits both sides of the batch boundary: rows to the warehouse
	// and progress deltas to the state store. The two are deliberately
	// decoupled so a run of failure-only lines still advances the counters.
	flush := func() error {
		if len(batch) == 0 && pendingFails == 0 && pendingBytes == 0 {
			return nil
		}

		if len(batch) > 0 {
			flushStart := time.Now()
			flushCtx, span := tracing.StartBatchSpan(ctx, len(batch))
			defer span.End()

			if !dryRun {
				if err := p.warehouse.InsertEnriched(flushCtx, batch); err != nil {
					return err
				}
				if writeRaw {
					if err := p.warehouse.InsertRaw(flushCtx, rawBatch); err != nil {
						return err
					}
				}
			}
			metrics.RecordBatchFlush(len(batch), time.Since(flushStart))
		}
		metrics.BytesConsumed.Add(float64(pendingBytes))

		if trackState {
			if err := p.store.Update(file.Path, pendingRecs, pendingFails, pendingBytes); err != nil {
				return fmt.Errorf("state store update: %w", err)
			}
		}
		stats.records += pendingRecs
		stats.failures += pendingFails
		stats.bytes += pendingBytes
		pendingRecs, pendingFails, pendingBytes = 0, 0, 0
		batch = batch[:0]
		if writeRaw {
			rawBatch = rawBatch[:0]
		}
		lastFlush = time.Now()
		return nil
	}

	recordFailure := func(failure *types.ParseFailure) {
		failure.LineNumber = lineNumber
		pendingFails++
		metrics.ParseFailures.Inc()
		if sampleBudget > 0 {
			sampleBudget--
			p.logger.WithFields(logrus.Fields{
				"file":   file.Path,
				"line":   failure.LineNumber,
				"reason": failure.Reason,
				"text":   failure.Line,
			}).Warn("Parse failure")
		}
	}

	for scanner.Scan() {
		// Cooperative cancellation between lines: the current line is
		// finished, the current batch flushed, and the file marked failed.
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		line := scanner.Text()
		lineOffset := offset
		lineNumber++
		offset += int64(len(scanner.Bytes())) + 1
		pendingBytes += int64(len(scanner.Bytes())) + 1

		raw, failure := parser.Parse(line, file.Format)
		if failure != nil {
			recordFailure(failure)
			continue
		}
		if raw == nil {
			continue // skippable line
		}
		if raw.Status == "" {
			recordFailure(&types.ParseFailure{Line: line, Reason: "missing status"})
			continue
		}

		raw.ID = warehouse.RowID(file.Path, lineOffset, file.ContentDigest)
		rec := p.enricher.Enrich(raw)
		rec.ID = raw.ID
		batch = append(batch, rec)
		if writeRaw {
			rawBatch = append(rawBatch, raw)
		}
		pendingRecs++

		if len(batch) >= p.batchSize || time.Since(lastFlush) >= p.flushInterval {
			if err := flush(); err != nil {
				return stats, err
			}
		}

		if limit > 0 && stats.records+pendingRecs >= limit {
			p.logger.WithField("file", file.Path).WithField("limit", limit).
				Info("Record limit reached, stopping early")
			break
		}
	}

	if cancelled {
		if err := flush(); err != nil {
			return stats, fmt.Errorf("cancelled; final flush failed: %w", err)
		}
		return stats, fmt.Errorf("cancelled")
	}
	if err := scanner.Err(); err != nil {
		// Flush what was accepted so far; at-least-once allows the next run
		// to re-read, the warehouse collapses the duplicate ids.
		if ferr := flush(); ferr != nil {
			return stats, fmt.Errorf("read: %v (flush also failed: %w)", err, ferr)
		}
		return stats, fmt.Errorf("read: %w", err)
	}

	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// decompressed sniffs the gzip magic bytes and wraps the reader when found,
// regardless of file extension.
func decompressed(handle *os.File) (io.Reader, error) {
	buffered := bufio.NewReaderSize(handle, 64*1024)
	magic, err := buffered.Peek(2)
	if err != nil {
		if err == io.EOF {
			return buffered, nil // empty or single-byte file
		}
		return nil, err
	}
	if magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		unzipped, err := gzip.NewReader(buffered)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return unzipped, nil
	}
	return buffered, nil
}
