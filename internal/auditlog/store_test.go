package auditlog

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, InitializeSchema(db))
	return NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInitializeSchemaIsIdempotent(t *testing.T) {
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, InitializeSchema(db))
	require.NoError(t, InitializeSchema(db))
}

func TestAppendAndForUpload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "u1", LevelInfo, "import started", "archive.zip"))
	require.NoError(t, s.Append(ctx, "u1", LevelWarning, "expected file missing", "PRICES.TXT"))
	require.NoError(t, s.Append(ctx, "u2", LevelError, "archive extraction failed", ""))

	entries, err := s.ForUpload(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "import started", entries[0].Message)
	assert.Equal(t, LevelWarning, entries[1].Level)
	assert.Equal(t, "PRICES.TXT", entries[1].Details)
	assert.False(t, entries[0].Timestamp.After(entries[1].Timestamp))

	entries, err = s.ForUpload(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurgeReportsRemovedCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, "u1", LevelInfo, "entry", ""))
	}
	// Make sure the written timestamps are strictly older than the cutoff.
	time.Sleep(5 * time.Millisecond)

	removed, err := s.Purge(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	removed, err = s.Purge(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	// Entries inside the retention window survive.
	require.NoError(t, s.Append(ctx, "u1", LevelInfo, "fresh", ""))
	removed, err = s.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	entries, err := s.ForUpload(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
