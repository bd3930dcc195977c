package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Warehouse.Host)
	assert.Equal(t, 9000, cfg.Warehouse.Port)
	assert.Equal(t, "nginx_analytics", cfg.Warehouse.Database)
	assert.Equal(t, "nginx_enriched_detail", cfg.Warehouse.EnrichedTable)
	assert.Equal(t, 5, cfg.Warehouse.MaxRetries)

	assert.Equal(t, 6, cfg.Discovery.Workers)
	assert.Equal(t, "2h", cfg.Discovery.StaleAfter)
	assert.Equal(t, 3.0, cfg.Discovery.RefreshMinutes)

	assert.Equal(t, "incremental", cfg.Processing.Mode)
	assert.Equal(t, 3000, cfg.Processing.BatchSize)
	assert.Equal(t, 30, cfg.Processing.StabilizeSeconds)
	assert.Equal(t, 20, cfg.Processing.FailureLogSample)

	assert.NotEmpty(t, cfg.Rules.Platform)
	assert.NotEmpty(t, cfg.Rules.API)
	assert.Contains(t, cfg.Rules.SuccessCodes, "304")
	assert.Equal(t, 3.0, cfg.Rules.SlowThreshold)

	// Pool covers the worker count with a floor of 4.
	assert.Equal(t, 6, cfg.Warehouse.PoolSize)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etl.yaml")
	content := `
warehouse:
  host: ch.internal
  port: 9440
  database: analytics
discovery:
  log_dir: /var/log/nginx
  workers: 2
processing:
  mode: full
  batch_size: 500
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ch.internal", cfg.Warehouse.Host)
	assert.Equal(t, 9440, cfg.Warehouse.Port)
	assert.Equal(t, "full", cfg.Processing.Mode)
	assert.Equal(t, 500, cfg.Processing.BatchSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/log/nginx/.processing-state.json", cfg.State.Path)
	// low worker count still gets the minimum pool
	assert.Equal(t, 4, cfg.Warehouse.PoolSize)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("WAREHOUSE_HOST", "env-host")
	t.Setenv("WAREHOUSE_PORT", "9001")
	t.Setenv("WAREHOUSE_PASSWORD", "secret")
	t.Setenv("ETL_LOG_LEVEL", "warn")
	t.Setenv("ETL_WORKERS", "12")
	t.Setenv("ETL_BATCH_SIZE", "100")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-host", cfg.Warehouse.Host)
	assert.Equal(t, 9001, cfg.Warehouse.Port)
	assert.Equal(t, "secret", cfg.Warehouse.Password)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 12, cfg.Discovery.Workers)
	assert.Equal(t, 100, cfg.Processing.BatchSize)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()

	valid, err := Load("")
	require.NoError(t, err)
	valid.Discovery.LogDir = dir
	assert.NoError(t, Validate(valid))

	missingDir, _ := Load("")
	assert.Error(t, Validate(missingDir), "log dir required")

	badMode, _ := Load("")
	badMode.Discovery.LogDir = dir
	badMode.Processing.Mode = "sideways"
	assert.Error(t, Validate(badMode))

	badBatch, _ := Load("")
	badBatch.Discovery.LogDir = dir
	badBatch.Processing.BatchSize = -1
	assert.Error(t, Validate(badBatch))

	badDate, _ := Load("")
	badDate.Discovery.LogDir = dir
	badDate.Discovery.Date = "tomorrow"
	assert.Error(t, Validate(badDate))

	badPort, _ := Load("")
	badPort.Discovery.LogDir = dir
	badPort.Warehouse.Port = 70000
	assert.Error(t, Validate(badPort))
}

func TestNormalizeDate(t *testing.T) {
	got, err := NormalizeDate("2025-08-29")
	require.NoError(t, err)
	assert.Equal(t, "2025-08-29", got)

	got, err = NormalizeDate("20250829")
	require.NoError(t, err)
	assert.Equal(t, "2025-08-29", got)

	_, err = NormalizeDate("2025/08/29")
	assert.Error(t, err)
}
