package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Display the device's sync state:

  - Device id and logical clock
  - Configured transport repository
  - Last export and import times
  - Entry and collection counts
  - Buffered, pending, and applied operation counts`,
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

		status, err := engine.Status(cmd.Context())
		if err != nil {
			fatal("reading status: %v", err)
		}

		fmt.Printf("Device:        %s\n", status.DeviceID)
		fmt.Printf("Logical clock: %d\n", status.LogicalClock)
		if status.RepoPath == "" {
			fmt.Println("Repository:    (not configured, sync disabled)")
		} else {
			fmt.Printf("Repository:    %s\n", status.RepoPath)
		}
		fmt.Printf("Last export:   %s\n", formatWatermark(status.LastExportAt))
		fmt.Printf("Last import:   %s\n", formatWatermark(status.LastImportAt))
		fmt.Printf("Entries:       %d\n", status.Entries)
		fmt.Printf("Collections:   %d\n", status.Collections)
		fmt.Printf("Buffered ops:  %d\n", status.BufferedOps)
		fmt.Printf("Pending ops:   %d\n", status.PendingOps)
		fmt.Printf("Applied ops:   %d\n", status.AppliedOps)
	},
}

func formatWatermark(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
