package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/perch-reader/perch/internal/op"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage synchronized reader settings",
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a setting and queue it for sync",
	Long: `Set a reader setting locally and record the change as an operation.

The change is applied to the local database immediately and exported to
other devices on the next sync cycle.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		key, value := args[0], args[1]

		db, err := openStore()
		if err != nil {
			fatal("opening database: %v", err)
		}
		defer db.Close()

		engine, err := newEngine(cmd, db, nil)
		if err != nil {
			fatal("%v", err)
		}

		if err := db.SetSetting(cmd.Context(), key, value); err != nil {
			fatal("saving setting: %v", err)
		}

		payload, err := json.Marshal(op.SettingPayload{Value: value})
		if err != nil {
			fatal("encoding payload: %v", err)
		}
		recorded, err := engine.Recorder().Record(cmd.Context(), op.TypeSettingUpdate, key, payload)
		if err != nil {
			fatal("recording operation: %v", err)
		}

		// Buffered operations only become durable once exported.
		if recorded != nil {
			if err := engine.Run(cmd.Context(), syncExportOptions()); err != nil {
				fmt.Printf("%s = %s (saved locally; export failed: %v)\n", key, value, err)
				return
			}
		}
		fmt.Printf("%s = %s\n", key, value)
	},
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all settings",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := openStore()
		if err != nil {
			fatal("opening database: %v", err)
		}
		defer db.Close()

		settings, err := db.ListSettings(cmd.Context())
		if err != nil {
			fatal("reading settings: %v", err)
		}

		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s = %s\n", k, settings[k])
		}
	},
}

func init() {
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsListCmd)
	rootCmd.AddCommand(settingsCmd)
}
