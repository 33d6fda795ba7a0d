package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pharmetrics/auditload/internal/auditlog"
	"github.com/pharmetrics/auditload/internal/config"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
	"github.com/spf13/cobra"
)

var (
	// Config flags - bound in init()
	stagingDir    string
	workDir       string
	dbPath        string
	batchSize     int
	sessionMaxAge time.Duration
	logFormat     string
	logLevel      string
	logOutput     string

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	dbConn     *sql.DB
	appConfig  config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "auditload",
	Short: "Ingest pharmaceutical market-audit extracts into DuckDB.",
	Long: `Auditload ingests market-audit extract archives: a compressed archive,
reassembled from chunked uploads, is extracted and every known delimited file
inside is bulk-loaded into its destination table with truncate-then-append
semantics. Progress is broadcast live and a durable audit trail accumulates
in an import log.

The primary command is 'import', which runs the full ingestion pipeline for
one archive. Other commands inspect the audit trail, purge old log entries,
or export loaded tables to Parquet.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Initialize Logger ---
		var level slog.Level
		switch strings.ToLower(logLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		var logWriter io.Writer = os.Stderr // Default to stderr
		if logOutput != "" && strings.ToLower(logOutput) != "stderr" {
			if strings.ToLower(logOutput) == "stdout" {
				logWriter = os.Stdout
			} else {
				f, err := os.OpenFile(logOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if err != nil {
					return fmt.Errorf("failed to open log file %s: %w", logOutput, err)
				}
				logWriter = f
			}
		}

		opts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler
		if logFormat == "json" {
			handler = slog.NewJSONHandler(logWriter, opts)
		} else {
			handler = slog.NewTextHandler(logWriter, opts)
		}
		rootLogger = slog.New(handler)
		slog.SetDefault(rootLogger)
		rootLogger.Info("Logger initialized", "level", level.String(), "format", logFormat, "output", logOutput)

		// --- 2. Load/Validate Config (from flags) ---
		appConfig = config.Config{
			StagingDir:      stagingDir,
			WorkDir:         workDir,
			DbPath:          dbPath,
			BatchSize:       batchSize,
			SessionMaxAge:   sessionMaxAge,
			CleanupWorkers:  config.DefaultCleanupWorkers,
			ErrorSampleSize: config.DefaultErrorSampleSize,
		}
		rootLogger.Debug("Configuration loaded", slog.Any("config", appConfig))

		if appConfig.StagingDir == "" || appConfig.WorkDir == "" || appConfig.DbPath == "" {
			return fmt.Errorf("--staging-dir, --work-dir, and --db-path flags are required")
		}

		// Ensure directories exist
		for _, d := range []string{appConfig.StagingDir, appConfig.WorkDir} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", d, err)
			}
		}
		if appConfig.DbPath != ":memory:" {
			dbDir := filepath.Dir(appConfig.DbPath)
			if err := os.MkdirAll(dbDir, 0o755); err != nil {
				return fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}
		}

		// --- 3. Initialize DuckDB Connection & Schema ---
		rootLogger.Info("Initializing DuckDB connection", "path", appConfig.DbPath)
		var err error
		dbConn, err = sql.Open("duckdb", appConfig.DbPath)
		if err != nil {
			return fmt.Errorf("failed to open duckdb database (%s): %w", appConfig.DbPath, err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err = dbConn.PingContext(pingCtx); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to ping duckdb database (%s): %w", appConfig.DbPath, err)
		}
		rootLogger.Info("DuckDB connection successful.")

		if err := auditlog.InitializeSchema(dbConn); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to initialize import log schema: %w", err)
		}
		rootLogger.Info("Import log schema initialized successfully.")

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if dbConn != nil {
			rootLogger.Info("Closing DuckDB connection.")
			if err := dbConn.Close(); err != nil {
				rootLogger.Error("Failed to close DuckDB connection cleanly", "error", err)
			}
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.AddCommand(importCmd) // Full ingestion pipeline
	rootCmd.AddCommand(logCmd)    // View import log
	rootCmd.AddCommand(purgeCmd)  // Purge old log entries
	rootCmd.AddCommand(exportCmd) // Export loaded tables to parquet

	err := rootCmd.Execute()
	if err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stagingDir, "staging-dir", "./staging", "Root directory for chunk-upload staging")
	rootCmd.PersistentFlags().StringVar(&workDir, "work-dir", "./work", "Root directory for per-import extraction")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db-path", "d", "./auditload.duckdb", "Path to DuckDB database file (:memory: for in-memory)")
	rootCmd.PersistentFlags().IntVarP(&batchSize, "batch-size", "b", config.DefaultBatchSize, "Number of parsed rows per bulk append")
	rootCmd.PersistentFlags().DurationVar(&sessionMaxAge, "session-max-age", config.DefaultSessionMaxAge, "Age after which incomplete upload sessions are swept")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "stderr", "Log output destination (stderr, stdout, or file path)")

	rootCmd.Version = "0.3.0"
}

// Helper to get logger (could use context propagation instead)
func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

// Helper to get DB connection (could use context propagation instead)
func getDB() *sql.DB {
	return dbConn
}

// Helper to get Config (could use context propagation instead)
func getConfig() config.Config {
	return appConfig
}
