package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pharmetrics/auditload/internal/auditlog"
	"github.com/pharmetrics/auditload/internal/chunk"
	"github.com/pharmetrics/auditload/internal/config"
	"github.com/pharmetrics/auditload/internal/importer"
	"github.com/pharmetrics/auditload/internal/progress"
	"github.com/pharmetrics/auditload/internal/store"
	"github.com/pharmetrics/auditload/internal/tui"
)

var (
	importChunkSize int64
	importNoTUI     bool
)

// importCmd runs the full ingestion pipeline for one archive: chunked upload
// through the session manager (the same path network clients take),
// reassembly, extraction, and per-file loading.
var importCmd = &cobra.Command{
	Use:   "import <archive.zip>",
	Short: "Import one market-audit archive into the database",
	Long: `Runs the complete ingestion pipeline for a market-audit archive:
1. Streams the archive through the chunk session manager and reassembles it,
   exercising the same path chunked network uploads take.
2. Extracts the archive into an exclusive working directory.
3. Loads every known file into its destination table in the declared order,
   truncating first, appending in bounded batches.
4. Records an audit trail and reports live progress while doing so.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		ctx := context.Background()
		archivePath := args[0]

		info, err := os.Stat(archivePath)
		if err != nil {
			return fmt.Errorf("stat archive %s: %w", archivePath, err)
		}

		// --- Chunked upload + reassembly ---
		mgr := chunk.NewManager(cfg.StagingDir, cfg.CleanupWorkers, logger)

		// Staging dirs orphaned by a crashed earlier run have no registry
		// entry, so reap them by age before starting this one. The periodic
		// sweep then covers sessions abandoned while the manager is alive.
		if n := mgr.ReapOrphans(cfg.SessionMaxAge); n > 0 {
			logger.Info("Removed orphaned staging entries.", "count", n)
		}
		sweepCtx, stopSweep := context.WithCancel(ctx)
		defer stopSweep()
		go mgr.SweepPeriodically(sweepCtx, cfg.SessionMaxAge/4, cfg.SessionMaxAge)

		sess, err := mgr.Init(filepath.Base(archivePath), info.Size(), importChunkSize, "market_audit")
		if err != nil {
			return fmt.Errorf("init upload session: %w", err)
		}

		if err := uploadChunks(mgr, sess, archivePath); err != nil {
			mgr.Cancel(sess.ID)
			return fmt.Errorf("upload chunks: %w", err)
		}

		finalPath, err := mgr.Finalize(sess.ID)
		if err != nil {
			mgr.Cancel(sess.ID)
			return fmt.Errorf("finalize upload: %w", err)
		}
		defer func() {
			if err := os.Remove(finalPath); err != nil {
				logger.Warn("Failed to remove reassembled archive.", "path", finalPath, "error", err)
			}
		}()

		// --- Wire the import pipeline ---
		hub := progress.NewHub(logger)
		audit := auditlog.NewStore(getDB(), logger)
		tables, err := store.Open(cfg.DbPath, getDB(), logger)
		if err != nil {
			return fmt.Errorf("open record store: %w", err)
		}
		defer tables.Close()

		imp := importer.New(cfg, tables, audit, hub, logger)

		var res *importer.Result
		if importNoTUI {
			res = imp.ImportArchive(ctx, finalPath, sess.ID)
		} else {
			res, err = runWithTUI(ctx, imp, hub, finalPath, sess.ID)
			if err != nil {
				return err
			}
		}

		fmt.Printf("Upload %s: %d records, %d succeeded, %d failed, %d errors\n",
			sess.ID, res.TotalRecords, res.Succeeded, res.Failed, len(res.Errors))
		for file, n := range res.FileSucceeded {
			fmt.Printf("  %-20s %d rows\n", file, n)
		}
		if !res.OverallSuccess {
			return fmt.Errorf("import completed unsuccessfully (%d errors)", len(res.Errors))
		}
		return nil
	},
}

// uploadChunks splits the archive and feeds the session manager with a few
// concurrent senders, the way chunks arrive from real clients.
func uploadChunks(mgr *chunk.Manager, sess *chunk.Session, archivePath string) error {
	g := new(errgroup.Group)
	g.SetLimit(4)

	for i := 0; i < sess.TotalChunks; i++ {
		g.Go(func() error {
			f, err := os.Open(archivePath)
			if err != nil {
				return err
			}
			defer f.Close()

			offset := int64(i) * sess.ChunkSize
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				return err
			}
			return mgr.AcceptChunk(sess.ID, i, io.LimitReader(f, sess.ChunkSize))
		})
	}
	return g.Wait()
}

// runWithTUI runs the import in the background while a bubbletea model
// renders hub events.
func runWithTUI(ctx context.Context, imp *importer.Importer, hub *progress.Hub, archivePath, uploadID string) (*importer.Result, error) {
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	var res *importer.Result
	go func() {
		defer close(done)
		res = imp.ImportArchive(ctx, archivePath, uploadID)
	}()

	model := tui.NewModel(uploadID, events, done)
	if _, err := tea.NewProgram(model).Run(); err != nil {
		// The import keeps running even if the terminal UI fails; wait for it.
		<-done
		return res, fmt.Errorf("progress UI failed: %w", err)
	}
	<-done
	return res, nil
}

func init() {
	importCmd.Flags().Int64Var(&importChunkSize, "chunk-size", config.DefaultChunkSize, "Chunk size in bytes for the upload session")
	importCmd.Flags().BoolVar(&importNoTUI, "no-tui", false, "Disable the progress UI and rely on log output")
}
