package auditlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // Driver
)

// Log levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Schema SQL
const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS import_log_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS import_log (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('import_log_id_seq'),
    upload_id       VARCHAR NOT NULL,
    level           VARCHAR NOT NULL,
    message         VARCHAR NOT NULL,
    details         VARCHAR,
    event_timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_import_log_upload ON import_log (upload_id, event_timestamp);
CREATE INDEX IF NOT EXISTS idx_import_log_time ON import_log (event_timestamp);
`

// Entry is one durable audit record for an upload.
type Entry struct {
	UploadID  string
	Timestamp time.Time
	Level     string
	Message   string
	Details   string
}

// InitializeSchema creates the sequence and table in the correct order.
func InitializeSchema(db *sql.DB) error {
	// 1. Create Sequence First
	_, err := db.Exec(schemaSequenceSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute sequence setup: %w", err)
	}
	// 2. Create Table and Indices
	_, err = db.Exec(schemaTableSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute table/index setup: %w", err)
	}
	return nil
}

// Store is the append-only durable audit trail, keyed by upload id.
// Constructed once at process start and passed to every component that logs.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore wraps an open connection pool.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With(slog.String("component", "audit_log"))}
}

// Append inserts one log entry. The timestamp is always recorded in UTC.
func (s *Store) Append(ctx context.Context, uploadID, level, message, details string) error {
	query := `
        INSERT INTO import_log (upload_id, level, message, details, event_timestamp)
        VALUES (?, ?, ?, ?, ?);
    `
	_, err := s.db.ExecContext(ctx, query,
		uploadID,
		level,
		message,
		sql.NullString{String: details, Valid: details != ""},
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append %s log for '%s': %w", level, uploadID, err)
	}
	return nil
}

// Info appends an info-level entry, logging instead of failing when the
// write itself errors. Audit trouble must never abort an import.
func (s *Store) Info(ctx context.Context, uploadID, message, details string) {
	s.appendBestEffort(ctx, uploadID, LevelInfo, message, details)
}

// Warning appends a warning-level entry, best effort.
func (s *Store) Warning(ctx context.Context, uploadID, message, details string) {
	s.appendBestEffort(ctx, uploadID, LevelWarning, message, details)
}

// Error appends an error-level entry, best effort.
func (s *Store) Error(ctx context.Context, uploadID, message, details string) {
	s.appendBestEffort(ctx, uploadID, LevelError, message, details)
}

func (s *Store) appendBestEffort(ctx context.Context, uploadID, level, message, details string) {
	if err := s.Append(ctx, uploadID, level, message, details); err != nil {
		s.logger.Warn("Failed to append audit log entry.",
			slog.String("upload_id", uploadID),
			slog.String("level", level),
			"error", err)
	}
}

// ForUpload returns every entry for an upload id ordered by timestamp.
func (s *Store) ForUpload(ctx context.Context, uploadID string) ([]Entry, error) {
	query := `
        SELECT upload_id, event_timestamp, level, message, details
        FROM import_log
        WHERE upload_id = ?
        ORDER BY event_timestamp ASC, log_id ASC;
    `
	rows, err := s.db.QueryContext(ctx, query, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query log for '%s': %w", uploadID, err)
	}
	defer rows.Close()

	var entries []Entry
	var scanErrs error
	for rows.Next() {
		var e Entry
		var details sql.NullString
		if err := rows.Scan(&e.UploadID, &e.Timestamp, &e.Level, &e.Message, &details); err != nil {
			scanErrs = errors.Join(scanErrs, fmt.Errorf("scan log entry: %w", err))
			continue
		}
		e.Details = details.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return entries, errors.Join(scanErrs, fmt.Errorf("iterate log entries: %w", err))
	}
	return entries, scanErrs
}

// Purge deletes entries older than the given age. Returns how many rows were
// removed.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM import_log WHERE event_timestamp < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge log entries before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	return affected, nil
}

// DisplayHistory queries and prints the audit trail, optionally filtered by
// upload id and level. Used by the log CLI command.
func (s *Store) DisplayHistory(ctx context.Context, uploadFilter, levelFilter string, limit int) error {
	query := `
        SELECT upload_id, event_timestamp, level, message, details
        FROM import_log
    `
	conditions := []string{}
	args := []any{}
	argCounter := 1 // Start with $1 for positional args

	if uploadFilter != "" {
		conditions = append(conditions, fmt.Sprintf("upload_id = $%d", argCounter))
		args = append(args, uploadFilter)
		argCounter++
	}
	if levelFilter != "" {
		conditions = append(conditions, fmt.Sprintf("level = $%d", argCounter))
		args = append(args, levelFilter)
		argCounter++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += fmt.Sprintf(" ORDER BY event_timestamp DESC, log_id DESC LIMIT $%d", argCounter)
	args = append(args, limit)

	fmt.Printf("--- Import Log History (Limit %d) ---\n", limit)
	fmt.Printf("%-38s | %-25s | %-8s | %s\n", "Upload ID", "Timestamp (UTC)", "Level", "Message/Details")
	fmt.Println(strings.Repeat("-", 120))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query import log: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var uploadID, level, message string
		var timestamp time.Time
		var details sql.NullString
		if err := rows.Scan(&uploadID, &timestamp, &level, &message, &details); err != nil {
			return fmt.Errorf("failed to scan import log row: %w", err)
		}

		text := message
		if details.Valid && details.String != "" {
			text += fmt.Sprintf(" (%s)", details.String)
		}
		fmt.Printf("%-38s | %-25s | %-8s | %s\n",
			uploadID, timestamp.Format(time.RFC3339), level, text)
		count++
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("error iterating import log rows: %w", err)
	}
	fmt.Printf("Displayed %d records.\n", count)
	return nil
}
