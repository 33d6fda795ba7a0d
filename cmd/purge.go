package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pharmetrics/auditload/internal/auditlog"
)

var purgeOlderThan time.Duration

// purgeCmd deletes old import log entries.
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete import log entries older than a given age",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()

		audit := auditlog.NewStore(getDB(), logger)
		removed, err := audit.Purge(context.Background(), purgeOlderThan)
		if err != nil {
			logger.Error("Failed to purge import log", "error", err)
			return err
		}

		logger.Info("Import log purged.", "removed", removed, "older_than", purgeOlderThan)
		fmt.Printf("Removed %d log entries older than %s.\n", removed, purgeOlderThan)
		return nil
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 30*24*time.Hour, "Delete entries older than this age")
}
