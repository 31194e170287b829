// Package querier executes generated SQL against ClickHouse and returns
// results in the shape the pipeline consumes. SQL-level failures are carried
// as a structured error string on the result (they feed the recovery engine);
// the error return is reserved for infrastructure problems.
package querier

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Result holds the outcome of one SQL execution.
type Result struct {
	SQL             string
	Columns         []string
	Rows            []map[string]any
	TotalRows       int
	ExecutionTimeMs int64
	Error           string
	Formatted       string // Human-readable formatted result
}

// Executor executes SQL queries against a data source.
type Executor interface {
	Execute(ctx context.Context, sql, source string) (Result, error)
}

const maxResultRows = 1000

// ClickHouseExecutor implements Executor over the native protocol.
type ClickHouseExecutor struct {
	conn driver.Conn
	log  *slog.Logger
}

// NewClickHouseExecutor opens a connection and verifies it with a ping.
func NewClickHouseExecutor(ctx context.Context, log *slog.Logger, addr, database, username, password string) (*ClickHouseExecutor, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	log.Info("ClickHouse executor initialized", "addr", addr, "database", database)
	return &ClickHouseExecutor{conn: conn, log: log}, nil
}

// Close releases the underlying connection.
func (e *ClickHouseExecutor) Close() error {
	return e.conn.Close()
}

// Execute runs sql and collects up to maxResultRows rows.
func (e *ClickHouseExecutor) Execute(ctx context.Context, sql, source string) (Result, error) {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")
	result := Result{SQL: sql}

	start := time.Now()
	rows, err := e.conn.Query(ctx, sql)
	if err != nil {
		result.Error = trimErrorMessage(err.Error())
		result.Formatted = FormatResult(result)
		return result, nil
	}
	defer rows.Close()

	types := rows.ColumnTypes()
	result.Columns = rows.Columns()

	for rows.Next() {
		dest := make([]any, len(types))
		for i, ct := range types {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			result.Error = trimErrorMessage(err.Error())
			result.Formatted = FormatResult(result)
			return result, nil
		}

		row := make(map[string]any, len(result.Columns))
		for i, col := range result.Columns {
			row[col] = reflect.ValueOf(dest[i]).Elem().Interface()
		}
		result.Rows = append(result.Rows, row)
		if len(result.Rows) >= maxResultRows {
			break
		}
	}
	if err := rows.Err(); err != nil {
		result.Error = trimErrorMessage(err.Error())
		result.Formatted = FormatResult(result)
		return result, nil
	}

	result.TotalRows = len(result.Rows)
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	result.Formatted = FormatResult(result)

	e.log.Info("query executed", "source", source, "rows", result.TotalRows, "durationMs", result.ExecutionTimeMs)
	return result, nil
}

// trimErrorMessage bounds database error text before it travels through
// prompts and push messages.
func trimErrorMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	return msg
}
