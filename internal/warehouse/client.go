// Package warehouse is the ClickHouse client used by all workers. It owns
// the connection pool, executes batched inserts with retry and a circuit
// breaker, and exposes the small DDL-bootstrap surface the ETL consumes.
package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ssw-nginx-etl/internal/metrics"
	"ssw-nginx-etl/pkg/types"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Client is safe for concurrent use; the driver pools connections
// internally and no connection is shared across in-flight batches.
type Client struct {
	conn    driver.Conn
	cfg     types.WarehouseConfig
	logger  *logrus.Logger
	breaker *gobreaker.CircuitBreaker

	insertTimeout time.Duration
	retryBase     time.Duration
	retryCap      time.Duration

	enrichedCols []enrichedColumn
	enrichedSQL  string
	rawCols      []rawColumn
	rawSQL       string
}

// New opens the connection pool. It does not ping: startup reachability is
// the caller's concern so it can map failure to the right exit code.
func New(cfg types.WarehouseConfig, logger *logrus.Logger) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout:  types.ParseDuration(cfg.DialTimeout, 10*time.Second),
		MaxOpenConns: cfg.PoolSize,
		MaxIdleConns: cfg.PoolSize,
		Compression:  &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse connection: %w", err)
	}

	client := &Client{
		conn:          conn,
		cfg:           cfg,
		logger:        logger,
		insertTimeout: types.ParseDuration(cfg.InsertTimeout, 60*time.Second),
		retryBase:     time.Duration(cfg.RetryBaseMS) * time.Millisecond,
		retryCap:      time.Duration(cfg.RetryMaxMS) * time.Millisecond,
		enrichedCols:  enrichedColumns,
		rawCols:       rawColumns,
	}
	client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "warehouse",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("Warehouse circuit breaker state change")
		},
	})

	client.enrichedSQL = insertSQL(cfg.EnrichedTable, enrichedColumnNames(client.enrichedCols))
	client.rawSQL = insertSQL(cfg.RawTable, rawColumnNames(client.rawCols))
	return client, nil
}

// Ping probes the pool with a lightweight round trip.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Bootstrap creates the two tables the ETL writes. Idempotent; aggregates
// stay warehouse-side.
func (c *Client) Bootstrap(ctx context.Context) error {
	for _, ddl := range []string{rawTableDDL(c.cfg.RawTable), enrichedTableDDL(c.cfg.EnrichedTable)} {
		if err := c.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to bootstrap warehouse DDL: %w", err)
		}
	}
	return nil
}

// ResolveSchema matches the canonical wide column list against the live
// enriched table. A narrower legacy layout keeps only the intersection and
// logs one warning; column order is preserved.
func (c *Client) ResolveSchema(ctx context.Context) error {
	live, err := c.tableColumns(ctx, c.cfg.EnrichedTable)
	if err != nil {
		return fmt.Errorf("failed to inspect enriched table: %w", err)
	}
	if len(live) == 0 {
		return fmt.Errorf("enriched table %s has no columns (not provisioned?)", c.cfg.EnrichedTable)
	}

	kept := make([]enrichedColumn, 0, len(c.enrichedCols))
	var dropped []string
	for _, col := range c.enrichedCols {
		if live[col.name] {
			kept = append(kept, col)
		} else {
			dropped = append(dropped, col.name)
		}
	}
	if len(dropped) > 0 {
		c.logger.WithFields(logrus.Fields{
			"table":   c.cfg.EnrichedTable,
			"dropped": strings.Join(dropped, ","),
		}).Warn("Enriched table uses a narrower layout; writing column subset")
	}
	c.enrichedCols = kept
	c.enrichedSQL = insertSQL(c.cfg.EnrichedTable, enrichedColumnNames(kept))
	return nil
}

func (c *Client) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := c.conn.Query(ctx,
		"SELECT name FROM system.columns WHERE database = currentDatabase() AND table = ?", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

// InsertEnriched writes one batch to the enriched detail table.
func (c *Client) InsertEnriched(ctx context.Context, records []*types.EnrichedRecord) error {
	if len(records) == 0 {
		return nil
	}
	return c.insertWithRetry(ctx, c.enrichedSQL, len(records), func(batch driver.Batch) error {
		for _, rec := range records {
			values := make([]interface{}, len(c.enrichedCols))
			for i, col := range c.enrichedCols {
				values[i] = col.value(rec)
			}
			if err := batch.Append(values...); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertRaw writes one batch to the raw table.
func (c *Client) InsertRaw(ctx context.Context, records []*types.RawRecord) error {
	if len(records) == 0 {
		return nil
	}
	return c.insertWithRetry(ctx, c.rawSQL, len(records), func(batch driver.Batch) error {
		for _, rec := range records {
			values := make([]interface{}, len(c.rawCols))
			for i, col := range c.rawCols {
				values[i] = col.value(rec)
			}
			if err := batch.Append(values...); err != nil {
				return err
			}
		}
		return nil
	})
}

// insertWithRetry runs one insert under the circuit breaker with
// exponential backoff on transient errors. Permanent errors surface
// immediately so the caller can fail the file.
func (c *Client) insertWithRetry(ctx context.Context, sql string, rows int, fill func(driver.Batch) error) error {
	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxRetries-1),
		retry.WithCappedDuration(c.retryCap, retry.NewExponential(c.retryBase)))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		_, execErr := c.breaker.Execute(func() (interface{}, error) {
			insertCtx, cancel := context.WithTimeout(ctx, c.insertTimeout)
			defer cancel()
			return nil, c.insertOnce(insertCtx, sql, fill)
		})
		if execErr == nil {
			return nil
		}
		if execErr == gobreaker.ErrOpenState || execErr == gobreaker.ErrTooManyRequests || IsTransient(execErr) {
			metrics.InsertRetries.Inc()
			metrics.RecordWarehouseError("transient")
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"rows":    rows,
				"error":   execErr.Error(),
			}).Warn("Transient warehouse error, will retry")
			return retry.RetryableError(execErr)
		}
		metrics.RecordWarehouseError("permanent")
		return execErr
	})
	if err != nil {
		return fmt.Errorf("warehouse insert failed after %d attempt(s): %w", attempt, err)
	}
	return nil
}

func (c *Client) insertOnce(ctx context.Context, sql string, fill func(driver.Batch) error) error {
	batch, err := c.conn.PrepareBatch(ctx, sql)
	if err != nil {
		return err
	}
	if err := fill(batch); err != nil {
		batch.Abort()
		return err
	}
	return batch.Send()
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.conn.Close()
}

func insertSQL(table string, columns []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s)", table, strings.Join(columns, ", "))
}

func enrichedColumnNames(cols []enrichedColumn) []string {
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.name
	}
	return names
}

func rawColumnNames(cols []rawColumn) []string {
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.name
	}
	return names
}
