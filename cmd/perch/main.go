// Command perch is a feed reader state tool: it records local reading
// activity as operations and synchronizes them with other devices
// through a shared git repository.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/perch-reader/perch/internal/store"
	"github.com/perch-reader/perch/internal/sync"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "perch",
	Short: "Multi-device sync for your feed reader state",
	Long: `perch keeps read flags, saved entries, subscriptions, and settings
in step across devices.

Every local change becomes an operation in a per-device log. Logs are
exchanged as newline-delimited JSON files through a git repository:
each device appends to its own daily file and replays everyone else's,
so devices never edit the same file and sync needs no server.

Configure the shared repository in ~/.config/perch/config.yaml:

  sync:
    repo: /home/you/perch-sync`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/perch/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "database path (default ~/.local/share/perch/perch.db)")
	_ = viper.BindPFlag("database", rootCmd.PersistentFlags().Lookup("db"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "perch"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PERCH")
	viper.AutomaticEnv()

	viper.SetDefault("sync.interval", "5m")
	viper.SetDefault("sync.push_retries", 3)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

// databasePath resolves the configured database location.
func databasePath() string {
	if path := viper.GetString("database"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "perch.db"
	}
	return filepath.Join(home, ".local", "share", "perch", "perch.db")
}

// openStore opens the database and ensures the schema exists.
func openStore() (*store.DB, error) {
	db, err := store.Open(databasePath())
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// newEngine builds the sync pipeline and pushes the configured repo
// path into the metadata store so every component sees the same value.
func newEngine(cmd *cobra.Command, db *store.DB, notifier sync.Notifier) (*sync.Engine, error) {
	engine := sync.NewEngine(db, nil, notifier, nil)
	if repo := viper.GetString("sync.repo"); repo != "" {
		if err := engine.Manager().SetRepoPath(cmd.Context(), repo); err != nil {
			return nil, fmt.Errorf("failed to store repo path: %w", err)
		}
	}
	return engine, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
