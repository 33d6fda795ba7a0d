package chunk

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), 2, testLogger())
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func chunksOf(data []byte, size int64) [][]byte {
	var out [][]byte
	for off := int64(0); off < int64(len(data)); off += size {
		end := off + size
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		out = append(out, data[off:end])
	}
	return out
}

func TestInitComputesTotalChunks(t *testing.T) {
	mgr := newTestManager(t)

	sess, err := mgr.Init("extract.zip", 23, 5, "market_audit")
	require.NoError(t, err)
	assert.Equal(t, 5, sess.TotalChunks)
	assert.Equal(t, "extract.zip", sess.FileName)
	assert.DirExists(t, sess.StagingDir)

	// Evenly dividing sizes don't gain a phantom chunk.
	sess2, err := mgr.Init("even.zip", 20, 5, "market_audit")
	require.NoError(t, err)
	assert.Equal(t, 4, sess2.TotalChunks)
}

func TestInitRejectsBadSizes(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.Init("x.zip", 0, 5, "market_audit")
	assert.Error(t, err)
	_, err = mgr.Init("x.zip", 10, 0, "market_audit")
	assert.Error(t, err)
}

func TestReassemblyIsOrderIndependent(t *testing.T) {
	original := randomBytes(t, 23)
	chunkSize := int64(5) // uneven: last chunk is 3 bytes

	permutations := [][]int{
		{0, 1, 2, 3, 4},
		{4, 3, 2, 1, 0},
		{3, 0, 4, 1, 2},
		{2, 4, 0, 3, 1},
	}

	for _, order := range permutations {
		mgr := newTestManager(t)
		sess, err := mgr.Init("data.bin", int64(len(original)), chunkSize, "market_audit")
		require.NoError(t, err)
		require.Equal(t, 5, sess.TotalChunks)

		parts := chunksOf(original, chunkSize)
		for _, idx := range order {
			require.NoError(t, mgr.AcceptChunk(sess.ID, idx, bytes.NewReader(parts[idx])))
		}

		finalPath, err := mgr.Finalize(sess.ID)
		require.NoError(t, err)

		got, err := os.ReadFile(finalPath)
		require.NoError(t, err)
		assert.Equal(t, original, got, "order %v", order)

		// The session and its staging directory are gone.
		assert.NoDirExists(t, sess.StagingDir)
		assert.Equal(t, 0, mgr.SessionCount())
	}
}

func TestFinalizeReportsMissingChunks(t *testing.T) {
	mgr := newTestManager(t)
	sess, err := mgr.Init("data.bin", 25, 5, "market_audit")
	require.NoError(t, err)

	for _, idx := range []int{0, 1, 3, 4} {
		require.NoError(t, mgr.AcceptChunk(sess.ID, idx, bytes.NewReader([]byte("aaaaa"))))
	}

	_, err = mgr.Finalize(sess.ID)
	var missing *MissingChunksError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []int{2}, missing.Indices)

	// The session survives an incomplete finalize; filling the gap works.
	require.NoError(t, mgr.AcceptChunk(sess.ID, 2, bytes.NewReader([]byte("aaaaa"))))
	_, err = mgr.Finalize(sess.ID)
	assert.NoError(t, err)
}

func TestAcceptChunkUnknownSession(t *testing.T) {
	mgr := newTestManager(t)
	err := mgr.AcceptChunk("nope", 0, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAcceptChunkIndexOutOfRange(t *testing.T) {
	mgr := newTestManager(t)
	sess, err := mgr.Init("data.bin", 10, 5, "market_audit")
	require.NoError(t, err)

	assert.Error(t, mgr.AcceptChunk(sess.ID, -1, bytes.NewReader([]byte("x"))))
	assert.Error(t, mgr.AcceptChunk(sess.ID, 2, bytes.NewReader([]byte("x"))))
}

func TestResubmittedChunkOverwritesIdempotently(t *testing.T) {
	mgr := newTestManager(t)
	sess, err := mgr.Init("data.bin", 6, 3, "market_audit")
	require.NoError(t, err)

	require.NoError(t, mgr.AcceptChunk(sess.ID, 0, bytes.NewReader([]byte("xxx"))))
	require.NoError(t, mgr.AcceptChunk(sess.ID, 0, bytes.NewReader([]byte("abc"))))
	require.NoError(t, mgr.AcceptChunk(sess.ID, 1, bytes.NewReader([]byte("def"))))

	finalPath, err := mgr.Finalize(sess.ID)
	require.NoError(t, err)
	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), got)
}

func TestConcurrentChunkAccepts(t *testing.T) {
	original := randomBytes(t, 64*1024)
	chunkSize := int64(4096)

	mgr := newTestManager(t)
	sess, err := mgr.Init("big.bin", int64(len(original)), chunkSize, "market_audit")
	require.NoError(t, err)

	parts := chunksOf(original, chunkSize)
	var wg sync.WaitGroup
	errs := make([]error, len(parts))
	for i := range parts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = mgr.AcceptChunk(sess.ID, i, bytes.NewReader(parts[i]))
		}()
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "chunk %d", i)
	}

	finalPath, err := mgr.Finalize(sess.ID)
	require.NoError(t, err)
	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestOperationsAfterFinalizeFailWithSessionNotFound(t *testing.T) {
	mgr := newTestManager(t)
	sess, err := mgr.Init("data.bin", 3, 3, "market_audit")
	require.NoError(t, err)
	require.NoError(t, mgr.AcceptChunk(sess.ID, 0, bytes.NewReader([]byte("abc"))))

	_, err = mgr.Finalize(sess.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, mgr.AcceptChunk(sess.ID, 0, bytes.NewReader([]byte("abc"))), ErrSessionNotFound)
	_, err = mgr.Finalize(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCancelIsIdempotent(t *testing.T) {
	mgr := newTestManager(t)
	sess, err := mgr.Init("data.bin", 10, 5, "market_audit")
	require.NoError(t, err)

	mgr.Cancel(sess.ID)
	assert.NoDirExists(t, sess.StagingDir)
	assert.Equal(t, 0, mgr.SessionCount())

	// Second cancel and cancel of an unknown id are no-ops.
	mgr.Cancel(sess.ID)
	mgr.Cancel("never-existed")

	err = mgr.AcceptChunk(sess.ID, 0, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSweepRemovesOnlyExpiredSessions(t *testing.T) {
	mgr := newTestManager(t)

	old, err := mgr.Init("old.bin", 10, 5, "market_audit")
	require.NoError(t, err)
	fresh, err := mgr.Init("fresh.bin", 10, 5, "market_audit")
	require.NoError(t, err)

	// Backdate the first session past the sweep cutoff.
	old.CreatedAt = time.Now().Add(-90 * time.Minute)
	fresh.CreatedAt = time.Now().Add(-30 * time.Minute)

	removed := mgr.Sweep(context.Background(), time.Hour)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, old.StagingDir)
	assert.DirExists(t, fresh.StagingDir)

	_, ok := mgr.Lookup(old.ID)
	assert.False(t, ok)
	_, ok = mgr.Lookup(fresh.ID)
	assert.True(t, ok)
}

func TestReapOrphansRemovesStaleEntriesOnly(t *testing.T) {
	root := t.TempDir()
	mgr := NewManager(root, 2, testLogger())

	// A crashed earlier process left a staging dir and a reassembled archive.
	orphanDir := filepath.Join(root, "dead-session-id")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))
	orphanFile := filepath.Join(root, "dead-session-id_data.zip")
	require.NoError(t, os.WriteFile(orphanFile, []byte("x"), 0o644))
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(orphanDir, stale, stale))
	require.NoError(t, os.Chtimes(orphanFile, stale, stale))

	// A fresh orphan stays until it ages out.
	freshDir := filepath.Join(root, "fresh-orphan")
	require.NoError(t, os.MkdirAll(freshDir, 0o755))

	// A registered session is never an orphan, whatever its mtime says.
	sess, err := mgr.Init("live.bin", 10, 5, "market_audit")
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(sess.StagingDir, stale, stale))

	removed := mgr.ReapOrphans(time.Hour)
	assert.Equal(t, 2, removed)
	assert.NoDirExists(t, orphanDir)
	assert.NoFileExists(t, orphanFile)
	assert.DirExists(t, freshDir)
	assert.DirExists(t, sess.StagingDir)
}

func TestSweepPeriodicallyRemovesAbandonedSessions(t *testing.T) {
	mgr := newTestManager(t)
	sess, err := mgr.Init("data.bin", 10, 5, "market_audit")
	require.NoError(t, err)
	sess.CreatedAt = time.Now().Add(-2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.SweepPeriodically(ctx, 10*time.Millisecond, time.Hour)

	assert.Eventually(t, func() bool {
		if mgr.SessionCount() != 0 {
			return false
		}
		// The staging directory is removed asynchronously after the session
		// leaves the registry, so poll for it too.
		_, statErr := os.Stat(sess.StagingDir)
		return os.IsNotExist(statErr)
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoDirExists(t, sess.StagingDir)
}

func TestFinalizeOutputPathIsOwnedByCaller(t *testing.T) {
	mgr := newTestManager(t)
	sess, err := mgr.Init("report.zip", 4, 2, "market_audit")
	require.NoError(t, err)
	require.NoError(t, mgr.AcceptChunk(sess.ID, 0, bytes.NewReader([]byte("ab"))))
	require.NoError(t, mgr.AcceptChunk(sess.ID, 1, bytes.NewReader([]byte("cd"))))

	finalPath, err := mgr.Finalize(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID+"_report.zip", filepath.Base(finalPath))

	// Sweeping afterwards must not touch the reassembled file.
	mgr.Sweep(context.Background(), 0)
	_, statErr := os.Stat(finalPath)
	assert.False(t, errors.Is(statErr, os.ErrNotExist))
}
