package types

import "time"

// Config is the full application configuration, loaded from YAML with
// defaults applied and environment/CLI overrides on top.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Warehouse  WarehouseConfig  `yaml:"warehouse"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Processing ProcessingConfig `yaml:"processing"`
	State      StateConfig      `yaml:"state"`
	Rules      RulesConfig      `yaml:"rules"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AppConfig general application settings.
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// WarehouseConfig connection settings for the columnar store. The env block
// (WAREHOUSE_HOST etc.) overrides the file, CLI flags override both.
type WarehouseConfig struct {
	Host     string `yaml:"host" env:"WAREHOUSE_HOST"`
	Port     int    `yaml:"port" env:"WAREHOUSE_PORT"`
	User     string `yaml:"user" env:"WAREHOUSE_USER"`
	Password string `yaml:"password" env:"WAREHOUSE_PASSWORD"`
	Database string `yaml:"database" env:"WAREHOUSE_DATABASE"`

	RawTable      string `yaml:"raw_table"`
	EnrichedTable string `yaml:"enriched_table"`

	DialTimeout   string `yaml:"dial_timeout"`
	InsertTimeout string `yaml:"insert_timeout"`
	MaxRetries    int    `yaml:"max_retries"`
	RetryBaseMS   int    `yaml:"retry_base_ms"`
	RetryMaxMS    int    `yaml:"retry_max_ms"`
	PoolSize      int    `yaml:"pool_size"`
	Bootstrap     bool   `yaml:"bootstrap"`
}

// DiscoveryConfig controls the tree walk and the daemon loop.
type DiscoveryConfig struct {
	LogDir          string   `yaml:"log_dir"`
	IncludePatterns []string `yaml:"include_patterns"`
	Date            string   `yaml:"date"`
	All             bool     `yaml:"all"`
	Workers         int      `yaml:"workers"`
	QueueFactor     int      `yaml:"queue_factor"`
	StaleAfter      string   `yaml:"stale_after"`
	AutoMonitor     bool     `yaml:"auto_monitor"`
	MonitorDuration string   `yaml:"monitor_duration"`
	RefreshMinutes  float64  `yaml:"refresh_minutes"`
}

// ProcessingConfig controls the per-file pipeline.
type ProcessingConfig struct {
	Mode             string `yaml:"mode"` // full | incremental
	Force            bool   `yaml:"force"`
	DryRun           bool   `yaml:"dry_run"`
	BatchSize        int    `yaml:"batch_size"`
	FlushInterval    string `yaml:"flush_interval"`
	StabilizeSeconds int    `yaml:"stabilize_seconds"`
	LimitPerFile     int64  `yaml:"limit_per_file"`
	MaxLineBytes     int    `yaml:"max_line_bytes"`
	FailureLogSample int    `yaml:"failure_log_sample"`
	WriteRawTable    bool   `yaml:"write_raw_table"`
}

// StateConfig controls the durable file-state store.
type StateConfig struct {
	Path          string `yaml:"path"` // default <log_dir>/.processing-state.json
	FlushInterval string `yaml:"flush_interval"`
}

// RulesConfig carries the data-driven classification tables. Rules are
// ordered; first match wins.
type RulesConfig struct {
	Platform      []ClassifierRule `yaml:"platform"`
	API           []ClassifierRule `yaml:"api"`
	SuccessCodes  []string         `yaml:"success_codes"`
	SlowThreshold float64          `yaml:"slow_threshold_seconds"`
	SpeedCapKBps  float64          `yaml:"speed_cap_kbps"`
}

// ClassifierRule is a single pattern→outputs mapping. Pattern is a regular
// expression matched against the user agent (platform table) or the
// normalized URI (api table).
type ClassifierRule struct {
	Pattern  string            `yaml:"pattern"`
	Priority int               `yaml:"priority"`
	Outputs  map[string]string `yaml:"outputs"`
}

// MetricsConfig ops endpoint settings (daemon mode only).
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// TracingConfig optional OTLP trace export. Disabled when Endpoint is empty.
type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Insecure bool    `yaml:"insecure"`
	Sample   float64 `yaml:"sample"`
}

// LoggingConfig process log settings: stdout plus a size-rotated file.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"ETL_LOG_LEVEL"`
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ParseDuration parses a YAML duration string, falling back when the value
// is empty or malformed. Config durations are carried as strings ("30s",
// "5m") so operators can edit them without unit arithmetic.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
