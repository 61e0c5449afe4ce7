package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perch-reader/perch/internal/sync"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Full-state snapshot for bootstrapping new devices",
	Long: `Export or import a full-state snapshot.

A snapshot bundles all subscriptions, saved entries, and read flags
into snapshot/latest.json in the shared repository. A brand-new device
imports it once instead of replaying the entire operation history.`,
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the current state to snapshot/latest.json",
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

		snap := sync.NewSnapshotter(engine.Manager(), db, nil)
		if err := snap.Export(cmd.Context()); err != nil {
			fatal("snapshot export failed: %v", err)
		}
		fmt.Println("Snapshot written")
	},
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Seed this device from snapshot/latest.json",
	Long: `Import the shared snapshot into this device's database.

Only a device with no sync history may import: once the logical clock
has advanced, importing would clobber local state and is refused.`,
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

		snap := sync.NewSnapshotter(engine.Manager(), db, nil)
		if err := snap.Import(cmd.Context()); err != nil {
			if errors.Is(err, sync.ErrDeviceHasHistory) {
				fatal("this device already has sync history; snapshot import is only for new devices")
			}
			fatal("snapshot import failed: %v", err)
		}
		fmt.Println("Snapshot imported")
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotExportCmd)
	snapshotCmd.AddCommand(snapshotImportCmd)
	rootCmd.AddCommand(snapshotCmd)
}
