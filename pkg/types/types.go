package types

import (
	"context"
	"time"
)

// Format identifies the wire format of a log line.
type Format string

const (
	FormatJSON   Format = "json"
	FormatKVText Format = "kv-text"
	FormatAuto   Format = "auto"
)

// RawRecord is the normalized output of the parser for a single log line.
// Optional numeric fields are pointers: absent is nil, never zero. Status is
// kept as a string end to end because the warehouse column is a
// low-cardinality string.
type RawRecord struct {
	// ID is the deterministic row key, stamped by the processor (the parser
	// leaves it zero): xxhash(path, byte offset, digest prefix).
	ID uint64 `json:"id,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	ClientIP   string `json:"client_ip,omitempty"`
	ClientPort string `json:"client_port,omitempty"`
	ServerName string `json:"server_name,omitempty"`

	Method   string `json:"method,omitempty"`
	URI      string `json:"uri,omitempty"`
	FullURI  string `json:"full_uri,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Query    string `json:"query_string,omitempty"`

	Status  string `json:"status,omitempty"`
	Referer string `json:"referer,omitempty"`

	UserAgent    string `json:"user_agent,omitempty"`
	UpstreamAddr string `json:"upstream_addr,omitempty"`
	CacheStatus  string `json:"cache_status,omitempty"`
	ClusterNode  string `json:"cluster_node,omitempty"`
	AppName      string `json:"app_name,omitempty"`
	BusinessSign string `json:"business_sign,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`

	ResponseBodySize   *int64   `json:"response_body_size,omitempty"`
	TotalBytesSent     *int64   `json:"total_bytes_sent,omitempty"`
	ConnectionRequests *int64   `json:"connection_requests,omitempty"`
	TotalRequestTime   *float64 `json:"total_request_duration,omitempty"`
	UpstreamConnect    *float64 `json:"upstream_connect_time,omitempty"`
	UpstreamHeader     *float64 `json:"upstream_header_time,omitempty"`
	UpstreamResponse   *float64 `json:"upstream_response_time,omitempty"`

	// Extras keeps unrecognized source keys for diagnostics only. It never
	// reaches the warehouse.
	Extras map[string]string `json:"extras,omitempty"`
}

// ParseFailure marks a line the parser could not turn into a RawRecord.
type ParseFailure struct {
	LineNumber int64  `json:"line_number"`
	Line       string `json:"line"`
	Reason     string `json:"reason"`
}

// EnrichedRecord conforms to the wide enriched-detail table layout.
type EnrichedRecord struct {
	// Deterministic row identity: xxhash(path, byte offset, digest prefix).
	// The ReplacingMergeTree engine collapses duplicates on this key.
	ID uint64 `json:"id"`

	Timestamp time.Time `json:"timestamp"`
	Date      string    `json:"date"`
	Hour      uint8     `json:"hour"`
	Minute    uint8     `json:"minute"`
	Second    uint8     `json:"second"`

	ClientIP   string `json:"client_ip"`
	ClientPort string `json:"client_port"`
	ServerName string `json:"server_name"`

	Method        string `json:"method"`
	URI           string `json:"uri"`
	NormalizedURI string `json:"normalized_uri"`
	Protocol      string `json:"protocol"`
	QueryString   string `json:"query_string"`

	Status  string `json:"status"`
	Referer string `json:"referer"`

	UserAgent    string `json:"user_agent"`
	UpstreamAddr string `json:"upstream_addr"`
	CacheStatus  string `json:"cache_status"`
	ClusterNode  string `json:"cluster_node"`
	AppName      string `json:"app_name"`
	BusinessSign string `json:"business_sign"`
	TraceID      string `json:"trace_id"`

	ResponseBodySize   int64 `json:"response_body_size"`
	TotalBytesSent     int64 `json:"total_bytes_sent"`
	ConnectionRequests int64 `json:"connection_requests"`

	// Classification outputs.
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	DeviceType      string `json:"device_type"`
	BrowserType     string `json:"browser_type"`
	OSType          string `json:"os_type"`
	BotType         string `json:"bot_type"`
	EntrySource     string `json:"entry_source"`
	RefererDomain   string `json:"referer_domain"`
	APICategory     string `json:"api_category"`

	// HTTP phase decomposition, all seconds, all >= 0.
	TotalRequestDuration float64 `json:"total_request_duration"`
	BackendConnectPhase  float64 `json:"backend_connect_phase"`
	BackendProcessPhase  float64 `json:"backend_process_phase"`
	BackendTransferPhase float64 `json:"backend_transfer_phase"`
	BackendTotalPhase    float64 `json:"backend_total_phase"`
	NginxTransferPhase   float64 `json:"nginx_transfer_phase"`
	NetworkPhase         float64 `json:"network_phase"`
	ProcessingPhase      float64 `json:"processing_phase"`
	TransferPhase        float64 `json:"transfer_phase"`

	// Efficiency indicators, percentages in [0,100].
	BackendEfficiency         float64 `json:"backend_efficiency"`
	NetworkOverhead           float64 `json:"network_overhead"`
	TransferRatio             float64 `json:"transfer_ratio"`
	ConnectionCostRatio       float64 `json:"connection_cost_ratio"`
	ProcessingEfficiencyIndex float64 `json:"processing_efficiency_index"`

	// Transfer speeds in KB/s.
	ResponseTransferSpeed float64 `json:"response_transfer_speed"`
	TotalTransferSpeed    float64 `json:"total_transfer_speed"`
	NginxTransferSpeed    float64 `json:"nginx_transfer_speed"`

	IsSuccess    bool   `json:"is_success"`
	IsSlow       bool   `json:"is_slow"`
	IsError      bool   `json:"is_error"`
	HasAnomaly   bool   `json:"has_anomaly"`
	IsInternalIP bool   `json:"is_internal_ip"`
	AnomalyType  string `json:"anomaly_type"`

	DataQualityScore float64 `json:"data_quality_score"`
}

// FileStatus is the lifecycle state of a log file in the state store.
type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusInProgress FileStatus = "in-progress"
	StatusCompleted  FileStatus = "completed"
	StatusFailed     FileStatus = "failed"
)

// FileState is the durable per-file processing record, keyed by
// (path, content digest).
type FileState struct {
	Path             string     `json:"path"`
	Partition        string     `json:"partition"`
	CheapHash        uint64     `json:"cheap_hash"`
	ContentDigest    uint64     `json:"content_digest"`
	SizeBytes        int64      `json:"size_bytes"`
	Status           FileStatus `json:"status"`
	RecordsIngested  int64      `json:"records_ingested"`
	ParseFailures    int64      `json:"parse_failures"`
	BytesConsumed    int64      `json:"bytes_consumed"`
	StartTime        time.Time  `json:"start_time,omitempty"`
	EndTime          time.Time  `json:"end_time,omitempty"`
	LastUpdate       time.Time  `json:"last_update,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	ProcessorVersion string     `json:"processor_version,omitempty"`
	WorkerID         string     `json:"worker_id,omitempty"`
}

// LogFile describes a discovered candidate under the log root. Discovery
// owns the descriptor until dispatch; the assigned worker owns it after.
type LogFile struct {
	Path          string
	Partition     string // normalized YYYY-MM-DD
	SizeBytes     int64
	ModTime       time.Time
	Format        Format
	Compressed    bool
	CheapHash     uint64
	ContentDigest uint64
}

// ClaimDecision is the outcome of StateStore.Claim.
type ClaimDecision int

const (
	ClaimProceed ClaimDecision = iota
	ClaimSkipCompleted
	ClaimSkipInProgress
)

func (d ClaimDecision) String() string {
	switch d {
	case ClaimProceed:
		return "proceed"
	case ClaimSkipCompleted:
		return "skip_completed"
	case ClaimSkipInProgress:
		return "skip_in_progress"
	default:
		return "unknown"
	}
}

// Warehouse is the insert/DDL surface of the columnar store consumed by the
// processor. The store itself (engines, materialized views) is external.
type Warehouse interface {
	InsertEnriched(ctx context.Context, rows []*EnrichedRecord) error
	InsertRaw(ctx context.Context, rows []*RawRecord) error
	Ping(ctx context.Context) error
	Close() error
}

// StateStore is the durable truth for cross-run progress.
type StateStore interface {
	// Claim atomically acquires processing rights. force re-claims files
	// whose content was already completed (--force / full mode); it never
	// overrides a live in-progress claim.
	Claim(file *LogFile, workerID string, force bool) (ClaimDecision, error)
	Update(path string, deltaRecords, deltaFailures, deltaBytes int64) error
	Finish(path string, status FileStatus, errMsg string) error
	ListUnfinished() []*FileState
	ResetFailed(partition string) (int, error)
	Snapshot() []*FileState
}

// FileResult summarizes one processed file for the run summary.
type FileResult struct {
	Path            string
	Decision        ClaimDecision
	Status          FileStatus
	RecordsIngested int64
	ParseFailures   int64
	BytesConsumed   int64
	Elapsed         time.Duration
	Err             error
}

// RunStats aggregates the whole run for the end-of-run summary table.
type RunStats struct {
	Discovered      int64
	SkippedComplete int64
	SkippedBusy     int64
	Completed       int64
	Failed          int64
	RecordsIngested int64
	ParseFailures   int64
	Started         time.Time
	Finished        time.Time
	FailedFiles     []*FileState
}
