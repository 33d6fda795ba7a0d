package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/marcboeker/go-duckdb"

	"github.com/pharmetrics/auditload/internal/schema"
)

// Tables is the destination record store over DuckDB. DDL and truncation go
// through the shared connection pool; bulk appends go through a dedicated
// writer connection so they can use the DuckDB appender API.
type Tables struct {
	pool   *sql.DB
	conn   driver.Conn
	logger *slog.Logger

	mu        sync.Mutex
	appenders map[string]*duckdb.Appender
}

// Open creates the writer connection next to the existing pool.
func Open(dbPath string, pool *sql.DB, logger *slog.Logger) (*Tables, error) {
	connector, err := duckdb.NewConnector(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("create duckdb connector: %w", err)
	}
	conn, err := connector.Connect(context.Background())
	if err != nil {
		return nil, fmt.Errorf("connect duckdb writer: %w", err)
	}
	return &Tables{
		pool:      pool,
		conn:      conn,
		logger:    logger.With(slog.String("component", "record_store")),
		appenders: make(map[string]*duckdb.Appender),
	}, nil
}

// EnsureTable creates the destination table for a file spec if absent.
func (t *Tables) EnsureTable(ctx context.Context, spec *schema.FileSpec) error {
	if _, err := t.pool.ExecContext(ctx, spec.CreateTableSQL()); err != nil {
		return fmt.Errorf("ensure table %s: %w", spec.Table, err)
	}
	return nil
}

// Truncate discards the table's previous contents wholesale. Re-import policy
// is truncate-then-append, never merge or upsert.
func (t *Tables) Truncate(ctx context.Context, table string) error {
	// Any cached appender still points at the pre-truncate state.
	t.closeAppender(table)

	safeTable := strings.ReplaceAll(table, `"`, `""`)
	if _, err := t.pool.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s";`, safeTable)); err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	return nil
}

// AppendBatch bulk-appends one batch of rows and flushes it. Each flushed
// batch stays committed regardless of what happens to later batches; there is
// no cross-batch transaction.
func (t *Tables) AppendBatch(ctx context.Context, table string, rows [][]driver.Value) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	appender, err := t.appender(table)
	if err != nil {
		return 0, err
	}

	for i, row := range rows {
		if err := appender.AppendRow(row...); err != nil {
			t.closeAppender(table)
			return 0, fmt.Errorf("append row %d to %s: %w", i, table, err)
		}
	}
	if err := appender.Flush(); err != nil {
		t.closeAppender(table)
		return 0, fmt.Errorf("flush batch to %s: %w", table, err)
	}
	return len(rows), nil
}

// Count returns the current row count of a table.
func (t *Tables) Count(ctx context.Context, table string) (int64, error) {
	safeTable := strings.ReplaceAll(table, `"`, `""`)
	var n int64
	err := t.pool.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s";`, safeTable)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Close flushes and closes every appender, then the writer connection.
func (t *Tables) Close() error {
	t.mu.Lock()
	for table, appender := range t.appenders {
		l := t.logger.With(slog.String("table", table))
		if err := appender.Flush(); err != nil {
			l.Error("Error flushing appender on shutdown", "error", err)
		}
		if err := appender.Close(); err != nil {
			l.Error("Error closing appender on shutdown", "error", err)
		}
	}
	t.appenders = make(map[string]*duckdb.Appender)
	t.mu.Unlock()

	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("close writer connection: %w", err)
	}
	return nil
}

func (t *Tables) appender(table string) (*duckdb.Appender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if appender, ok := t.appenders[table]; ok {
		return appender, nil
	}
	// Schema name is empty for default schema
	appender, err := duckdb.NewAppenderFromConn(t.conn, "", table)
	if err != nil {
		return nil, fmt.Errorf("create appender for %s: %w", table, err)
	}
	t.appenders[table] = appender
	t.logger.Debug("Created new appender.", slog.String("table", table))
	return appender, nil
}

// closeAppender drops a cached appender, flushing what it holds. Used when a
// table is truncated or an append fails mid-batch.
func (t *Tables) closeAppender(table string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	appender, ok := t.appenders[table]
	if !ok {
		return
	}
	if err := appender.Flush(); err != nil {
		t.logger.Error("Error flushing appender before close", slog.String("table", table), "error", err)
	}
	if err := appender.Close(); err != nil {
		t.logger.Error("Error closing appender", slog.String("table", table), "error", err)
	}
	delete(t.appenders, table)
}
