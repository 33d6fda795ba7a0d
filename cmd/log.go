package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pharmetrics/auditload/internal/auditlog"
)

var logLimit int
var logFilterLevel string

// logCmd views the durable import log.
var logCmd = &cobra.Command{
	Use:   "log [uploadId]",
	Short: "View the import log history",
	Long: `Queries the import log and displays entries, newest first.
Specify an upload id as an optional argument to see one upload's trail.
Use flags to filter by level and limit the output.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()

		uploadFilter := ""
		if len(args) > 0 {
			uploadFilter = args[0]
		}

		levelFilter := strings.ToLower(logFilterLevel)
		switch levelFilter {
		case "", auditlog.LevelInfo, auditlog.LevelWarning, auditlog.LevelError:
		default:
			return fmt.Errorf("invalid level filter: %s (use info, warning or error)", logFilterLevel)
		}

		logger.Info("Querying import log", "upload_filter", uploadFilter, "level_filter", levelFilter, "limit", logLimit)

		audit := auditlog.NewStore(getDB(), logger)
		if err := audit.DisplayHistory(context.Background(), uploadFilter, levelFilter, logLimit); err != nil {
			logger.Error("Failed to display import log", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 50, "Limit the number of log records displayed")
	logCmd.Flags().StringVarP(&logFilterLevel, "level", "l", "", "Filter records by level (info, warning, error)")
}
