package warehouse

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"ssw-nginx-etl/pkg/types"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/assert"
)

func TestRowIDDeterministic(t *testing.T) {
	a := RowID("/logs/2025-08-29/access.log", 1024, 0xdeadbeef)
	b := RowID("/logs/2025-08-29/access.log", 1024, 0xdeadbeef)
	assert.Equal(t, a, b)
}

func TestRowIDSensitivity(t *testing.T) {
	base := RowID("/logs/a.log", 0, 1)

	assert.NotEqual(t, base, RowID("/logs/b.log", 0, 1), "path changes id")
	assert.NotEqual(t, base, RowID("/logs/a.log", 1, 1), "offset changes id")
	assert.NotEqual(t, base, RowID("/logs/a.log", 0, 2), "digest changes id")
}

func TestRowIDUsesDigestPrefixOnly(t *testing.T) {
	// Only the low 32 bits of the content digest participate.
	low := uint64(0x00000000aabbccdd)
	withHigh := uint64(0xff00000000000000) | low
	assert.Equal(t, RowID("/logs/a.log", 0, low), RowID("/logs/a.log", 0, withHigh))
}

func TestIsTransientServerCodes(t *testing.T) {
	transient := &clickhouse.Exception{Code: 252, Message: "too many parts"}
	assert.True(t, IsTransient(transient))

	permanent := &clickhouse.Exception{Code: 60, Message: "unknown table"}
	assert.False(t, IsTransient(permanent))
}

func TestIsTransientWrappedException(t *testing.T) {
	err := fmt.Errorf("insert: %w", &clickhouse.Exception{Code: 209})
	assert.True(t, IsTransient(err))
}

func TestIsTransientNetworkErrors(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(io.EOF))
	assert.True(t, IsTransient(io.ErrUnexpectedEOF))
	assert.True(t, IsTransient(syscall.ECONNREFUSED))
	assert.True(t, IsTransient(syscall.ECONNRESET))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: fmt.Errorf("timeout")}))
}

func TestIsTransientPermanentErrors(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(fmt.Errorf("column type mismatch")))
	assert.False(t, IsTransient(context.Canceled))
}

func TestEnrichedColumnsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, col := range enrichedColumns {
		assert.False(t, seen[col.name], "duplicate column %s", col.name)
		seen[col.name] = true
	}
}

func TestEnrichedColumnsCoveredByDDL(t *testing.T) {
	ddl := enrichedTableDDL("nginx_enriched_detail")
	for _, col := range enrichedColumns {
		assert.Contains(t, ddl, col.name, "column %s missing from DDL", col.name)
	}
}

func TestRawColumnsCoveredByDDL(t *testing.T) {
	ddl := rawTableDDL("nginx_raw")
	for _, col := range rawColumns {
		assert.Contains(t, ddl, col.name, "column %s missing from DDL", col.name)
	}
}

func TestEnrichedColumnValues(t *testing.T) {
	rec := &types.EnrichedRecord{
		ID:        42,
		Timestamp: time.Date(2025, 8, 29, 7, 15, 37, 0, time.UTC),
		Date:      "2025-08-29",
		Status:    "200",
		IsSuccess: true,
	}
	byName := make(map[string]interface{})
	for _, col := range enrichedColumns {
		byName[col.name] = col.value(rec)
	}
	assert.Equal(t, uint64(42), byName["id"])
	assert.Equal(t, "2025-08-29", byName["date"])
	assert.Equal(t, "200", byName["status"])
	assert.Equal(t, uint8(1), byName["is_success"])
	assert.Equal(t, uint8(0), byName["is_error"])
}

func TestRawColumnNilNumericsStayNil(t *testing.T) {
	rec := &types.RawRecord{ID: 7, Timestamp: time.Now(), Status: "200"}
	for _, col := range rawColumns {
		// Nullable columns pass the pointer through so absent stays NULL.
		_ = col.value(rec)
	}
}

func TestInsertSQLShape(t *testing.T) {
	sql := insertSQL("nginx_enriched_detail", []string{"id", "date", "status"})
	assert.Equal(t, "INSERT INTO nginx_enriched_detail (id, date, status)", sql)
}

func TestInsertSQLCoversAllColumns(t *testing.T) {
	names := enrichedColumnNames(enrichedColumns)
	sql := insertSQL("t", names)
	assert.Equal(t, len(enrichedColumns)-1, strings.Count(sql, ","))
}

func TestDDLEngineAndOrdering(t *testing.T) {
	enriched := enrichedTableDDL("e")
	assert.Contains(t, enriched, "ReplacingMergeTree")
	assert.Contains(t, enriched, "PARTITION BY date")
	assert.Contains(t, enriched, "ORDER BY (date, hour, api_category, platform, time, id)")

	raw := rawTableDDL("r")
	assert.Contains(t, raw, "ReplacingMergeTree")
	assert.Contains(t, raw, "ORDER BY (date, hour, server_name, client_ip, time, id)")
}
