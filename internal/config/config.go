package config

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"ssw-nginx-etl/pkg/types"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v2"
)

// ProcessorVersion is stamped into every FileState row this binary writes.
const ProcessorVersion = "v1.2.0"

// Load builds the configuration: built-in defaults, then the YAML file (if
// any), then environment variables. CLI flags are applied later by the
// caller and win over everything.
func Load(configFile string) (*types.Config, error) {
	config := &types.Config{}

	if configFile != "" {
		if err := loadConfigFile(configFile, config); err != nil {
			return nil, err
		}
	}

	applyDefaults(config)
	if err := applyEnvironmentOverrides(config); err != nil {
		return nil, err
	}

	return config, nil
}

func loadConfigFile(filename string, config *types.Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyDefaults fills every zero field with its default value.
func applyDefaults(config *types.Config) {
	if config.App.Name == "" {
		config.App.Name = "ssw-nginx-etl"
	}
	if config.App.Version == "" {
		config.App.Version = ProcessorVersion
	}

	// Warehouse defaults
	if config.Warehouse.Host == "" {
		config.Warehouse.Host = "localhost"
	}
	if config.Warehouse.Port == 0 {
		config.Warehouse.Port = 9000
	}
	if config.Warehouse.User == "" {
		config.Warehouse.User = "default"
	}
	if config.Warehouse.Database == "" {
		config.Warehouse.Database = "nginx_analytics"
	}
	if config.Warehouse.RawTable == "" {
		config.Warehouse.RawTable = "nginx_raw"
	}
	if config.Warehouse.EnrichedTable == "" {
		config.Warehouse.EnrichedTable = "nginx_enriched_detail"
	}
	if config.Warehouse.DialTimeout == "" {
		config.Warehouse.DialTimeout = "10s"
	}
	if config.Warehouse.InsertTimeout == "" {
		config.Warehouse.InsertTimeout = "60s"
	}
	if config.Warehouse.MaxRetries == 0 {
		config.Warehouse.MaxRetries = 5
	}
	if config.Warehouse.RetryBaseMS == 0 {
		config.Warehouse.RetryBaseMS = 500
	}
	if config.Warehouse.RetryMaxMS == 0 {
		config.Warehouse.RetryMaxMS = 10000
	}

	// Discovery defaults
	if len(config.Discovery.IncludePatterns) == 0 {
		config.Discovery.IncludePatterns = []string{"*.log", "*.log.gz"}
	}
	if config.Discovery.Workers == 0 {
		config.Discovery.Workers = 6
	}
	if config.Discovery.QueueFactor == 0 {
		config.Discovery.QueueFactor = 2
	}
	if config.Discovery.StaleAfter == "" {
		config.Discovery.StaleAfter = "2h"
	}
	if config.Discovery.MonitorDuration == "" {
		config.Discovery.MonitorDuration = "7200s"
	}
	if config.Discovery.RefreshMinutes == 0 {
		config.Discovery.RefreshMinutes = 3
	}

	// Pool sized to max(workers, 4)
	if config.Warehouse.PoolSize == 0 {
		config.Warehouse.PoolSize = config.Discovery.Workers
		if config.Warehouse.PoolSize < 4 {
			config.Warehouse.PoolSize = 4
		}
	}

	// Processing defaults
	if config.Processing.Mode == "" {
		config.Processing.Mode = "incremental"
	}
	if config.Processing.BatchSize == 0 {
		config.Processing.BatchSize = 3000
	}
	if config.Processing.FlushInterval == "" {
		config.Processing.FlushInterval = "5s"
	}
	if config.Processing.StabilizeSeconds == 0 {
		config.Processing.StabilizeSeconds = 30
	}
	if config.Processing.MaxLineBytes == 0 {
		config.Processing.MaxLineBytes = 1024 * 1024
	}
	if config.Processing.FailureLogSample == 0 {
		config.Processing.FailureLogSample = 20
	}

	// State defaults; Path defaults to <log_dir>/.processing-state.json once
	// the log dir is known.
	if config.State.Path == "" && config.Discovery.LogDir != "" {
		config.State.Path = config.Discovery.LogDir + "/.processing-state.json"
	}
	if config.State.FlushInterval == "" {
		config.State.FlushInterval = "30s"
	}

	// Classification rule defaults
	if len(config.Rules.Platform) == 0 {
		config.Rules.Platform = DefaultPlatformRules()
	}
	if len(config.Rules.API) == 0 {
		config.Rules.API = DefaultAPIRules()
	}
	if len(config.Rules.SuccessCodes) == 0 {
		config.Rules.SuccessCodes = []string{"200", "201", "202", "204", "206", "301", "302", "304"}
	}
	if config.Rules.SlowThreshold == 0 {
		config.Rules.SlowThreshold = 3.0
	}
	if config.Rules.SpeedCapKBps == 0 {
		config.Rules.SpeedCapKBps = 1024 * 1024 // 1 GB/s expressed in KB/s
	}

	// Metrics defaults
	if config.Metrics.Listen == "" {
		config.Metrics.Listen = "0.0.0.0:8402"
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}

	if config.Tracing.Sample == 0 {
		config.Tracing.Sample = 0.1
	}

	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
	if config.Logging.MaxSizeMB == 0 {
		config.Logging.MaxSizeMB = 100
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = 5
	}
}

// applyEnvironmentOverrides layers environment variables over the file
// values. The warehouse block uses the envconfig struct tags; the rest are
// explicit lookups.
func applyEnvironmentOverrides(config *types.Config) error {
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &config.Warehouse,
		Lookuper: envconfig.OsLookuper(),
	}); err != nil {
		return fmt.Errorf("failed to process warehouse environment: %w", err)
	}

	if level := os.Getenv("ETL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if dir := getEnvString("ETL_LOG_DIR", ""); dir != "" {
		config.Discovery.LogDir = dir
	}
	if workers := getEnvInt("ETL_WORKERS", 0); workers != 0 {
		config.Discovery.Workers = workers
	}
	if batch := getEnvInt("ETL_BATCH_SIZE", 0); batch != 0 {
		config.Processing.BatchSize = batch
	}

	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// Validate rejects configurations no run should start with. Failures here
// map to exit code 2.
func Validate(config *types.Config) error {
	if config.Discovery.LogDir == "" {
		return fmt.Errorf("log dir is required (--log-dir or ETL_LOG_DIR)")
	}
	if config.Processing.Mode != "incremental" && config.Processing.Mode != "full" {
		return fmt.Errorf("invalid mode %q (want full or incremental)", config.Processing.Mode)
	}
	if config.Processing.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive: %d", config.Processing.BatchSize)
	}
	if config.Discovery.Workers <= 0 {
		return fmt.Errorf("worker count must be positive: %d", config.Discovery.Workers)
	}
	if config.Discovery.Date != "" {
		if _, err := NormalizeDate(config.Discovery.Date); err != nil {
			return err
		}
	}
	if config.Warehouse.Port <= 0 || config.Warehouse.Port > 65535 {
		return fmt.Errorf("invalid warehouse port: %d", config.Warehouse.Port)
	}
	return nil
}
