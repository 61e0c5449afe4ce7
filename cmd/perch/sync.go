package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/perch-reader/perch/internal/sync"
)

var (
	syncMessage    string
	syncExportOnly bool
	syncImportOnly bool
	syncNoPush     bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync cycle",
	Long: `Run one sync cycle against the shared repository:

  1. Export buffered local operations to this device's daily log file
  2. Commit and push the repository (pull-rebase on rejection)
  3. Import and apply operations from other devices' log files
  4. Retry pending operations whose targets may have arrived

Use --export-only or --import-only to run half a cycle, and --no-push
to commit locally without touching the remote.`,
	Run: func(cmd *cobra.Command, args []string) {
		db, err := openStore()
		if err != nil {
			fatal("opening database: %v", err)
		}
		defer db.Close()

		engine, err := newEngine(cmd, db, nil)
		if err != nil {
			fatal("%v", err)
		}

		start := time.Now()
		err = engine.Run(cmd.Context(), sync.Options{
			Message:     syncMessage,
			ExportOnly:  syncExportOnly,
			ImportOnly:  syncImportOnly,
			NoPush:      syncNoPush,
			PushRetries: viper.GetInt("sync.push_retries"),
		})
		if err != nil {
			if errors.Is(err, sync.ErrNotConfigured) {
				fatal("no sync repository configured; set sync.repo in the config file")
			}
			fatal("sync failed: %v", err)
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
	},
}

// syncExportOptions is the half cycle used by commands that record an
// operation and must flush it before the process exits.
func syncExportOptions() sync.Options {
	return sync.Options{
		ExportOnly:  true,
		PushRetries: viper.GetInt("sync.push_retries"),
	}
}

func init() {
	syncCmd.Flags().StringVarP(&syncMessage, "message", "m", "", "commit message for the transport repository")
	syncCmd.Flags().BoolVar(&syncExportOnly, "export-only", false, "export local operations without importing")
	syncCmd.Flags().BoolVar(&syncImportOnly, "import-only", false, "import remote operations without exporting")
	syncCmd.Flags().BoolVar(&syncNoPush, "no-push", false, "commit locally but skip the push")
	syncCmd.MarkFlagsMutuallyExclusive("export-only", "import-only")
	rootCmd.AddCommand(syncCmd)
}
