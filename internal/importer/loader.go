package importer

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"

	"github.com/pharmetrics/auditload/internal/config"
	"github.com/pharmetrics/auditload/internal/parser"
	"github.com/pharmetrics/auditload/internal/progress"
	"github.com/pharmetrics/auditload/internal/schema"
)

// loadFile parses one target file and streams its rows into the destination
// table: truncate first, then bounded-size bulk appends with incremental
// progress events, then a final flush and a 100% event. Lines that fail
// parsing are counted and recorded but never reach the store. A returned
// error means the file as a whole failed; batches already flushed before the
// failure stay committed.
func (im *Importer) loadFile(ctx context.Context, spec *schema.FileSpec, path, uploadID string, fileIndex int) (fileOutcome, error) {
	var outcome fileOutcome
	l := im.logger.With(slog.String("source_file", spec.SourceName), slog.String("upload_id", uploadID))

	totalLines, err := countLines(path)
	if err != nil {
		return outcome, err
	}

	if err := im.store.EnsureTable(ctx, spec); err != nil {
		return outcome, err
	}
	// Previous contents are discarded wholesale before the first row lands.
	if err := im.store.Truncate(ctx, spec.Table); err != nil {
		return outcome, err
	}

	f, err := os.Open(path)
	if err != nil {
		return outcome, fmt.Errorf("open %s: %w", spec.SourceName, err)
	}
	defer f.Close()

	batchSize := im.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultBatchSize
	}

	p := parser.New(spec, f, l)
	batch := make([][]driver.Value, 0, batchSize)
	inserted := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := im.store.AppendBatch(ctx, spec.Table, batch)
		if err != nil {
			return err
		}
		inserted += n
		batch = batch[:0]
		return nil
	}

	for {
		res, ok := p.Next()
		if !ok {
			break
		}
		outcome.records++

		if res.Err != nil {
			// The bad line is excluded from the batch; siblings are untouched.
			outcome.failed++
			outcome.errors = append(outcome.errors, fmt.Sprintf("%s: %v", spec.SourceName, res.Err))
			continue
		}

		batch = append(batch, res.Row.Values)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return outcome, err
			}
			im.broadcastFileProgress(uploadID, spec.SourceName, fileIndex, percent(inserted, totalLines))
		}
	}
	if err := p.Err(); err != nil {
		return outcome, fmt.Errorf("read %s: %w", spec.SourceName, err)
	}

	// Final partial batch, then the 100% event for this file.
	if err := flush(); err != nil {
		return outcome, err
	}
	outcome.succeeded = inserted
	im.broadcastFileProgress(uploadID, spec.SourceName, fileIndex+1, 100)

	return outcome, nil
}

// broadcastFileProgress emits one processing event. completedFiles follows
// the Event.ProcessedFiles convention: files concluded so far, excluding the
// current one until its final event.
func (im *Importer) broadcastFileProgress(uploadID, sourceName string, completedFiles, pct int) {
	im.hub.Broadcast(progress.Event{
		UploadID:            uploadID,
		TotalFiles:          len(schema.Files),
		ProcessedFiles:      completedFiles,
		CurrentFile:         sourceName,
		CurrentFileProgress: pct,
		Status:              progress.StatusProcessing,
		Message:             fmt.Sprintf("loading %s", sourceName),
	})
}

func percent(inserted int, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(int64(inserted) * 100 / total)
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open for line count: %w", err)
	}
	defer f.Close()
	return parser.CountDataLines(f)
}
