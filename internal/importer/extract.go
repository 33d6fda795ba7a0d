package importer

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// extractArchive unpacks the archive at archivePath into destDir, flattening
// any internal directory structure to base names. Returns the names of the
// extracted top-level files and any aggregated per-entry error. A failed
// entry is skipped, not fatal to the archive.
func extractArchive(ctx context.Context, logger *slog.Logger, archivePath, destDir string) ([]string, error) {
	startTime := time.Now()

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", filepath.Base(archivePath), err)
	}
	defer zr.Close()

	var extracted []string
	var extractionErrors []error

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}

		select {
		case <-ctx.Done():
			logger.Warn("Extraction cancelled by context.", "error", ctx.Err())
			extractionErrors = append(extractionErrors, ctx.Err())
			return extracted, errors.Join(extractionErrors...)
		default:
		}

		name := filepath.Base(f.Name)
		outPath := filepath.Join(destDir, name)

		rc, openErr := f.Open()
		if openErr != nil {
			extractErr := fmt.Errorf("open entry %s: %w", name, openErr)
			logger.Error("Failed to open archive entry.", "error", extractErr)
			extractionErrors = append(extractionErrors, extractErr)
			continue
		}

		outFile, createErr := os.Create(outPath)
		if createErr != nil {
			rc.Close()
			extractErr := fmt.Errorf("create %s: %w", outPath, createErr)
			logger.Error("Failed to create output file.", "error", extractErr)
			extractionErrors = append(extractionErrors, extractErr)
			continue
		}

		_, copyErr := io.Copy(outFile, rc)
		closeOutErr := outFile.Close()
		closeRcErr := rc.Close()

		if entryErr := errors.Join(copyErr, closeOutErr, closeRcErr); entryErr != nil {
			extractErr := fmt.Errorf("extract entry %s: %w", name, entryErr)
			logger.Error("Failed to extract archive entry.", "error", extractErr)
			extractionErrors = append(extractionErrors, extractErr)
			os.Remove(outPath)
			continue
		}

		extracted = append(extracted, name)
		logger.Debug("Extracted archive entry.", slog.String("entry", name))
	}

	logger.Info("Extraction finished.",
		slog.Int("extracted", len(extracted)),
		slog.Int("errors", len(extractionErrors)),
		slog.Duration("duration", time.Since(startTime).Round(time.Millisecond)))

	return extracted, errors.Join(extractionErrors...)
}
