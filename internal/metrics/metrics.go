// Package metrics exposes the pipeline's Prometheus collectors. Collectors
// are package-level and registered once; components record through the
// helper functions so label sets stay consistent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FilesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etl_files_discovered_total",
		Help: "Total number of candidate log files found by discovery",
	})

	FilesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_files_processed_total",
			Help: "Total number of files reaching a terminal state",
		},
		[]string{"outcome"}, // completed | failed | skip_completed | skip_in_progress
	)

	RecordsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etl_records_ingested_total",
		Help: "Total number of enriched records accepted by the warehouse",
	})

	ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etl_parse_failures_total",
		Help: "Total number of lines rejected by the parser",
	})

	BytesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etl_bytes_consumed_total",
		Help: "Total number of log bytes read",
	})

	BatchFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "etl_batch_flush_duration_seconds",
		Help:    "Time spent flushing one batch to the warehouse",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "etl_batch_size_rows",
		Help:    "Rows per flushed batch",
		Buckets: []float64{100, 500, 1000, 2000, 3000, 5000, 10000},
	})

	InsertRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etl_insert_retries_total",
		Help: "Total number of retried warehouse inserts",
	})

	WarehouseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_warehouse_errors_total",
			Help: "Warehouse errors by class",
		},
		[]string{"class"}, // transient | permanent
	)

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "etl_work_queue_depth",
		Help: "Files waiting in the dispatch queue",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "etl_active_workers",
		Help: "Workers currently processing a file",
	})

	StateFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_state_flushes_total",
			Help: "State store persistence attempts",
		},
		[]string{"status"}, // success | error
	)

	ScanCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etl_scan_cycles_total",
		Help: "Discovery scans executed (daemon mode re-scans included)",
	})

	FileProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "etl_file_processing_duration_seconds",
		Help:    "Wall time from claim to terminal state per file",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
)

func RecordFileOutcome(outcome string) {
	FilesProcessed.WithLabelValues(outcome).Inc()
}

func RecordBatchFlush(rows int, elapsed time.Duration) {
	BatchSize.Observe(float64(rows))
	BatchFlushDuration.Observe(elapsed.Seconds())
	RecordsIngested.Add(float64(rows))
}

func RecordWarehouseError(class string) {
	WarehouseErrors.WithLabelValues(class).Inc()
}

func RecordStateFlush(err error) {
	if err != nil {
		StateFlushes.WithLabelValues("error").Inc()
		return
	}
	StateFlushes.WithLabelValues("success").Inc()
}
