package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pharmetrics/auditload/internal/exporter"
	"github.com/pharmetrics/auditload/internal/schema"
)

var exportOutDir string

// exportCmd snapshots loaded destination tables to Parquet files.
var exportCmd = &cobra.Command{
	Use:   "export [table ...]",
	Short: "Export loaded destination tables to Parquet files",
	Long: `Writes a Parquet snapshot of each named destination table into the output
directory. Without arguments, every table in the file registry is exported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		ctx := context.Background()

		specs := schema.Files
		if len(args) > 0 {
			specs = nil
			for _, name := range args {
				found := false
				for _, fs := range schema.Files {
					if strings.EqualFold(fs.Table, name) || strings.EqualFold(fs.SourceName, name) {
						specs = append(specs, fs)
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("unknown table: %s", name)
				}
			}
		}

		if err := os.MkdirAll(exportOutDir, 0o755); err != nil {
			return fmt.Errorf("create output directory %s: %w", exportOutDir, err)
		}

		for _, fs := range specs {
			outPath := filepath.Join(exportOutDir, fs.Table+".parquet")
			rows, err := exporter.ExportTable(ctx, getDB(), logger, fs, outPath)
			if err != nil {
				logger.Error("Export failed", "table", fs.Table, "error", err)
				return fmt.Errorf("export %s: %w", fs.Table, err)
			}
			fmt.Printf("Exported %s -> %s (%d rows)\n", fs.Table, outPath, rows)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutDir, "output-dir", "o", "./export", "Directory for generated Parquet files")
}
