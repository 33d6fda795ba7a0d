package importer

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pharmetrics/auditload/internal/config"
	"github.com/pharmetrics/auditload/internal/progress"
	"github.com/pharmetrics/auditload/internal/schema"
)

// RecordStore is the destination-table contract the importer consumes:
// truncate, bulk-append rows, done. Concurrent imports targeting the same
// destination table are not coordinated here; callers needing that guarantee
// must serialize imports themselves.
type RecordStore interface {
	EnsureTable(ctx context.Context, spec *schema.FileSpec) error
	Truncate(ctx context.Context, table string) error
	AppendBatch(ctx context.Context, table string, rows [][]driver.Value) (int, error)
}

// AuditLog is the append-only durable trail the importer writes to.
type AuditLog interface {
	Info(ctx context.Context, uploadID, message, details string)
	Warning(ctx context.Context, uploadID, message, details string)
	Error(ctx context.Context, uploadID, message, details string)
}

// Result aggregates one archive import. Created fresh per call, immutable
// once returned.
type Result struct {
	TotalRecords  int
	Succeeded     int
	Failed        int
	Errors        []string
	FileSucceeded map[string]int

	// OverallSuccess means "the pipeline completed its pass": it stays true
	// even when individual lines or files recorded errors, and flips false
	// only when a present file failed outright or extraction itself failed.
	// Callers needing zero-error confirmation must inspect Errors and
	// FileSucceeded explicitly.
	OverallSuccess bool
}

// fileOutcome is one target file's contribution to the aggregate.
type fileOutcome struct {
	records   int
	succeeded int
	failed    int
	errors    []string
}

// Importer orchestrates archive imports: extract, fixed file order, per-file
// isolation, progress events, audit trail, aggregated result.
type Importer struct {
	cfg    config.Config
	store  RecordStore
	audit  AuditLog
	hub    *progress.Hub
	logger *slog.Logger
}

// New wires an Importer. All collaborators are injected; none are global.
func New(cfg config.Config, store RecordStore, audit AuditLog, hub *progress.Hub, logger *slog.Logger) *Importer {
	return &Importer{
		cfg:    cfg,
		store:  store,
		audit:  audit,
		hub:    hub,
		logger: logger.With(slog.String("component", "importer")),
	}
}

// ImportArchive extracts the archive at archivePath and loads every known
// target file into its destination table, in the declared order. Missing
// expected files are recorded and skipped; a failure while processing a
// present file marks the run unsuccessful but never stops the remaining
// files. The staged working directory is removed on every exit path.
func (im *Importer) ImportArchive(ctx context.Context, archivePath, uploadID string) *Result {
	l := im.logger.With(slog.String("upload_id", uploadID), slog.String("archive", filepath.Base(archivePath)))
	startTime := time.Now()

	res := &Result{
		FileSucceeded:  make(map[string]int, len(schema.Files)),
		OverallSuccess: true,
	}

	// stage: exclusive working directory named by the upload id.
	workDir := filepath.Join(im.cfg.WorkDir, uploadID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		msg := fmt.Sprintf("failed to create working directory: %v", err)
		l.Error("Staging failed.", "error", err)
		im.audit.Error(ctx, uploadID, "staging failed", msg)
		res.Errors = append(res.Errors, msg)
		res.OverallSuccess = false
		im.broadcastTerminal(uploadID, res, true)
		return res
	}
	defer im.cleanupWorkDir(uploadID, workDir)

	im.audit.Info(ctx, uploadID, "import started", filepath.Base(archivePath))
	im.hub.Broadcast(progress.Event{
		UploadID:   uploadID,
		TotalFiles: len(schema.Files),
		Status:     progress.StatusProcessing,
		Message:    "extracting archive",
	})

	extracted, err := extractArchive(ctx, l, archivePath, workDir)
	if err != nil && len(extracted) == 0 {
		msg := fmt.Sprintf("archive extraction failed: %v", err)
		l.Error("Extraction failed.", "error", err)
		im.audit.Error(ctx, uploadID, "archive extraction failed", err.Error())
		res.Errors = append(res.Errors, msg)
		res.OverallSuccess = false
		im.broadcastTerminal(uploadID, res, true)
		return res
	}
	if err != nil {
		// Partial extraction: the skipped entries are recorded, the files
		// that did come out still get processed.
		l.Warn("Extraction completed with errors.", "error", err)
		im.audit.Warning(ctx, uploadID, "extraction completed with errors", err.Error())
		res.Errors = append(res.Errors, fmt.Sprintf("extraction errors: %v", err))
	}
	// The listing is for visibility only; processing never gates on it.
	l.Info("Archive extracted.", slog.Int("files", len(extracted)))
	im.audit.Info(ctx, uploadID, "archive extracted", fmt.Sprintf("%d files", len(extracted)))

	for i, spec := range schema.Files {
		fileLog := l.With(slog.String("source_file", spec.SourceName), slog.String("table", spec.Table))

		select {
		case <-ctx.Done():
			msg := fmt.Sprintf("import cancelled: %v", ctx.Err())
			res.Errors = append(res.Errors, msg)
			res.OverallSuccess = false
			im.audit.Error(ctx, uploadID, "import cancelled", ctx.Err().Error())
			im.broadcastTerminal(uploadID, res, true)
			return res
		default:
		}

		path, found := locate(workDir, spec.SourceName)
		if !found {
			// Absence never aborts the remaining files and, deliberately,
			// does not flip OverallSuccess either.
			msg := fmt.Sprintf("file not found: %s", spec.SourceName)
			fileLog.Warn("Expected file missing from archive, skipping.")
			res.Errors = append(res.Errors, msg)
			im.audit.Warning(ctx, uploadID, "expected file missing", spec.SourceName)
			im.hub.Broadcast(progress.Event{
				UploadID:       uploadID,
				TotalFiles:     len(schema.Files),
				ProcessedFiles: i + 1,
				CurrentFile:    spec.SourceName,
				Status:         progress.StatusProcessing,
				Message:        msg,
			})
			continue
		}

		outcome, fileErr := im.loadFileIsolated(ctx, spec, path, uploadID, i)
		res.merge(spec.SourceName, outcome)

		if fileErr != nil {
			msg := fmt.Sprintf("%s: %v", spec.SourceName, fileErr)
			fileLog.Error("File processing failed.", "error", fileErr)
			res.Errors = append(res.Errors, msg)
			res.OverallSuccess = false
			im.audit.Error(ctx, uploadID, fmt.Sprintf("failed to process %s", spec.SourceName), fileErr.Error())
			im.hub.Broadcast(progress.Event{
				UploadID:       uploadID,
				TotalFiles:     len(schema.Files),
				ProcessedFiles: i + 1,
				CurrentFile:    spec.SourceName,
				Status:         progress.StatusError,
				Message:        msg,
			})
			continue
		}

		fileLog.Info("File loaded.",
			slog.Int("records", outcome.records),
			slog.Int("succeeded", outcome.succeeded),
			slog.Int("failed", outcome.failed))
		im.audit.Info(ctx, uploadID,
			fmt.Sprintf("loaded %s", spec.SourceName),
			fmt.Sprintf("%d succeeded, %d failed", outcome.succeeded, outcome.failed))
	}

	im.audit.Info(ctx, uploadID, "import finished",
		fmt.Sprintf("%d records, %d succeeded, %d failed, %d errors in %s",
			res.TotalRecords, res.Succeeded, res.Failed, len(res.Errors),
			time.Since(startTime).Round(time.Millisecond)))
	im.broadcastTerminal(uploadID, res, false)

	l.Info("Import finished.",
		slog.Int("total_records", res.TotalRecords),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
		slog.Int("errors", len(res.Errors)),
		slog.Bool("overall_success", res.OverallSuccess),
		slog.Duration("duration", time.Since(startTime).Round(time.Millisecond)))
	return res
}

// loadFileIsolated is the per-file isolation boundary: any panic escaping the
// loader is recovered into an error so one file's failure never takes down
// the rest of the run.
func (im *Importer) loadFileIsolated(ctx context.Context, spec *schema.FileSpec, path, uploadID string, fileIndex int) (outcome fileOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing %s: %v", spec.SourceName, r)
		}
	}()
	return im.loadFile(ctx, spec, path, uploadID, fileIndex)
}

func (r *Result) merge(sourceName string, o fileOutcome) {
	r.TotalRecords += o.records
	r.Succeeded += o.succeeded
	r.Failed += o.failed
	r.Errors = append(r.Errors, o.errors...)
	r.FileSucceeded[sourceName] = o.succeeded
}

// broadcastTerminal emits the final event with the full per-file results and
// a bounded sample of error strings so the payload stays small. A run that
// finished its per-file pass terminates as completed or completed_with_errors
// even when a file failed; the error status is reserved for runs aborted
// before the pass could finish (staging, extraction, cancellation).
func (im *Importer) broadcastTerminal(uploadID string, res *Result, aborted bool) {
	status := progress.StatusCompleted
	if aborted {
		status = progress.StatusError
	} else if len(res.Errors) > 0 {
		status = progress.StatusCompletedWithErrors
	}

	sample := res.Errors
	limit := im.cfg.ErrorSampleSize
	if limit <= 0 {
		limit = config.DefaultErrorSampleSize
	}
	if len(sample) > limit {
		rest := len(sample) - limit
		sample = append(append([]string{}, sample[:limit]...), fmt.Sprintf("... and %d more errors", rest))
	}

	im.hub.Broadcast(progress.Event{
		UploadID:       uploadID,
		TotalFiles:     len(schema.Files),
		ProcessedFiles: len(schema.Files),
		Status:         status,
		Message: fmt.Sprintf("%d records, %d succeeded, %d failed",
			res.TotalRecords, res.Succeeded, res.Failed),
		FileResults: res.FileSucceeded,
		Logs:        sample,
	})
}

// cleanupWorkDir removes the staged working directory on every exit path.
// Failure is logged as a warning and never rethrown.
func (im *Importer) cleanupWorkDir(uploadID, workDir string) {
	if err := os.RemoveAll(workDir); err != nil {
		im.logger.Warn("Failed to remove working directory.",
			slog.String("upload_id", uploadID),
			slog.String("work_dir", workDir),
			"error", err)
	}
}

// locate finds an expected file in the extracted set, tolerating the casing
// differences source systems produce.
func locate(dir, name string) (string, bool) {
	direct := filepath.Join(dir, name)
	if _, err := os.Stat(direct); err == nil {
		return direct, true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(e.Name(), name) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}
