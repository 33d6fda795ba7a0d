package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrSessionNotFound is returned for an upload id that was never created or
// has already been finalized, cancelled, or swept.
var ErrSessionNotFound = errors.New("upload session not found")

// MissingChunksError reports the chunk indices that never arrived when
// finalize was attempted.
type MissingChunksError struct {
	Indices []int
}

func (e *MissingChunksError) Error() string {
	if len(e.Indices) == 1 {
		return fmt.Sprintf("missing chunk %d", e.Indices[0])
	}
	parts := make([]string, len(e.Indices))
	for i, idx := range e.Indices {
		parts[i] = fmt.Sprintf("%d", idx)
	}
	return fmt.Sprintf("missing %d chunks: %s", len(e.Indices), strings.Join(parts, ", "))
}

// Session tracks one in-flight chunked upload. The received set is safe for
// concurrent insertion from multiple chunk-upload calls for the same session.
type Session struct {
	ID           string
	FileName     string
	DeclaredSize int64
	ChunkSize    int64
	TotalChunks  int
	ImportKind   string
	StagingDir   string
	CreatedAt    time.Time

	mu       sync.Mutex
	received map[int]struct{}
}

func (s *Session) markReceived(index int) {
	s.mu.Lock()
	s.received[index] = struct{}{}
	s.mu.Unlock()
}

// missing returns the sorted chunk indices not yet received.
func (s *Session) missing() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := s.received[i]; !ok {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// ReceivedCount returns how many distinct chunks have arrived.
func (s *Session) ReceivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *Session) chunkPath(index int) string {
	return filepath.Join(s.StagingDir, fmt.Sprintf("chunk_%06d", index))
}

// Manager owns the lifecycle of chunk-reassembly sessions. It is constructed
// once at process start and injected into every caller; the session registry
// is the only state shared across concurrent uploads.
type Manager struct {
	stagingRoot    string
	cleanupWorkers int
	logger         *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager whose staging directories live under
// stagingRoot. cleanupWorkers bounds the sweep's concurrent directory
// removals.
func NewManager(stagingRoot string, cleanupWorkers int, logger *slog.Logger) *Manager {
	if cleanupWorkers < 1 {
		cleanupWorkers = 1
	}
	return &Manager{
		stagingRoot:    stagingRoot,
		cleanupWorkers: cleanupWorkers,
		logger:         logger.With(slog.String("component", "chunk_manager")),
		sessions:       make(map[string]*Session),
	}
}

// Init registers a new upload session and allocates its staging directory.
// The id is freshly generated, never caller-supplied, so concurrent inits
// cannot collide.
func (m *Manager) Init(fileName string, declaredSize, chunkSize int64, importKind string) (*Session, error) {
	if declaredSize <= 0 {
		return nil, fmt.Errorf("declared size must be positive, got %d", declaredSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	id := uuid.NewString()
	stagingDir := filepath.Join(m.stagingRoot, id)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir %s: %w", stagingDir, err)
	}

	totalChunks := int((declaredSize + chunkSize - 1) / chunkSize)
	sess := &Session{
		ID:           id,
		FileName:     filepath.Base(fileName),
		DeclaredSize: declaredSize,
		ChunkSize:    chunkSize,
		TotalChunks:  totalChunks,
		ImportKind:   importKind,
		StagingDir:   stagingDir,
		CreatedAt:    time.Now(),
		received:     make(map[int]struct{}, totalChunks),
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.logger.Info("Upload session initialized.",
		slog.String("upload_id", id),
		slog.String("file_name", sess.FileName),
		slog.Int64("declared_size", declaredSize),
		slog.Int("total_chunks", totalChunks))
	return sess, nil
}

// Lookup returns the live session for an upload id.
func (m *Manager) Lookup(uploadID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[uploadID]
	return sess, ok
}

// AcceptChunk writes one chunk's bytes into the session's staging directory
// and records the index as received. Chunks may arrive concurrently and out
// of order; re-submitting an index overwrites idempotently.
func (m *Manager) AcceptChunk(uploadID string, index int, data io.Reader) error {
	sess, ok := m.Lookup(uploadID)
	if !ok {
		return fmt.Errorf("accept chunk %d for %s: %w", index, uploadID, ErrSessionNotFound)
	}
	if index < 0 || index >= sess.TotalChunks {
		return fmt.Errorf("chunk index %d out of range [0,%d)", index, sess.TotalChunks)
	}

	path := sess.chunkPath(index)
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chunk file %s: %w", path, err)
	}
	_, copyErr := io.Copy(out, data)
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return fmt.Errorf("write chunk %d for %s: %w", index, uploadID, err)
	}

	sess.markReceived(index)
	return nil
}

// Finalize verifies that every chunk in [0, TotalChunks) arrived, then
// concatenates the chunk files in index order into the reassembled original.
// The ordered concatenation is what guarantees byte-exact output regardless
// of arrival order. On success the session is removed and its staging
// directory released; the returned path is the caller's to own.
func (m *Manager) Finalize(uploadID string) (string, error) {
	m.mu.Lock()
	sess, ok := m.sessions[uploadID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("finalize %s: %w", uploadID, ErrSessionNotFound)
	}
	if missing := sess.missing(); len(missing) > 0 {
		// Session stays registered: the client can still send the gaps.
		m.mu.Unlock()
		return "", &MissingChunksError{Indices: missing}
	}
	// Removal is the atomic boundary against cancel and sweep.
	delete(m.sessions, uploadID)
	m.mu.Unlock()

	finalPath := filepath.Join(m.stagingRoot, fmt.Sprintf("%s_%s", sess.ID, sess.FileName))
	if err := m.concatenate(sess, finalPath); err != nil {
		m.removeStaging(sess)
		os.Remove(finalPath)
		return "", fmt.Errorf("reassemble %s: %w", uploadID, err)
	}
	m.removeStaging(sess)

	m.logger.Info("Upload finalized.",
		slog.String("upload_id", uploadID),
		slog.String("final_path", finalPath),
		slog.Int("chunks", sess.TotalChunks))
	return finalPath, nil
}

// Cancel removes the session and its staging directory unconditionally.
// Cancelling an unknown or already-removed id is a no-op, not an error.
func (m *Manager) Cancel(uploadID string) {
	m.mu.Lock()
	sess, ok := m.sessions[uploadID]
	if ok {
		delete(m.sessions, uploadID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.removeStaging(sess)
	m.logger.Info("Upload session cancelled.", slog.String("upload_id", uploadID))
}

// Sweep removes every session older than maxAge regardless of completion
// state, releasing orphaned staging directories. Directory removals run on a
// bounded task group the sweep waits on, so no cleanup is fired and
// forgotten. Returns the number of sessions removed.
func (m *Manager) Sweep(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if sess.CreatedAt.Before(cutoff) {
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(m.cleanupWorkers)
	for _, sess := range expired {
		g.Go(func() error {
			m.removeStaging(sess)
			return nil
		})
	}
	g.Wait()

	m.logger.Info("Session sweep finished.",
		slog.Int("removed", len(expired)),
		slog.Duration("max_age", maxAge))
	return len(expired)
}

// SweepPeriodically runs Sweep on a ticker until ctx is cancelled. It is
// meant to run for the Manager's lifetime alongside the upload surface so
// abandoned sessions are removed without any caller action.
func (m *Manager) SweepPeriodically(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, maxAge)
		}
	}
}

// ReapOrphans removes staging entries left behind by earlier processes. The
// session registry is in-memory, so a crashed run's staging directories have
// no owner and the sweep never sees them. Anything under the staging root
// older than maxAge by modification time and not belonging to a registered
// session is deleted. Returns the number of entries removed.
func (m *Manager) ReapOrphans(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(m.stagingRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("Failed to read staging root.",
				slog.String("staging_root", m.stagingRoot),
				"error", err)
		}
		return 0
	}

	m.mu.RLock()
	live := make(map[string]struct{}, len(m.sessions))
	for id := range m.sessions {
		live[id] = struct{}{}
	}
	m.mu.RUnlock()

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if _, ok := live[name]; ok {
			continue
		}
		// Reassembled archives are named <id>_<file>; leave a live session's
		// output alone.
		if id, _, found := strings.Cut(name, "_"); found {
			if _, ok := live[id]; ok {
				continue
			}
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.stagingRoot, name)
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("Failed to remove orphaned staging entry.",
				slog.String("path", path),
				"error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("Orphaned staging entries reaped.",
			slog.Int("removed", removed),
			slog.Duration("max_age", maxAge))
	}
	return removed
}

// SessionCount reports how many sessions are currently registered.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) concatenate(sess *Session, finalPath string) error {
	out, err := os.OpenFile(finalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create output file %s: %w", finalPath, err)
	}

	var copyErr error
	for i := 0; i < sess.TotalChunks; i++ {
		in, openErr := os.Open(sess.chunkPath(i))
		if openErr != nil {
			copyErr = fmt.Errorf("open chunk %d: %w", i, openErr)
			break
		}
		_, cpErr := io.Copy(out, in)
		in.Close()
		if cpErr != nil {
			copyErr = fmt.Errorf("copy chunk %d: %w", i, cpErr)
			break
		}
	}

	closeErr := out.Close()
	return errors.Join(copyErr, closeErr)
}

// removeStaging deletes a session's staging directory. Failures are logged,
// never propagated: cleanup trouble must not fail the operation that
// triggered it.
func (m *Manager) removeStaging(sess *Session) {
	if err := os.RemoveAll(sess.StagingDir); err != nil {
		m.logger.Warn("Failed to remove staging directory.",
			slog.String("upload_id", sess.ID),
			slog.String("staging_dir", sess.StagingDir),
			"error", err)
	}
}
