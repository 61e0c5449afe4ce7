package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/perch-reader/perch/internal/daemon"
	"github.com/perch-reader/perch/internal/live"
	"github.com/perch-reader/perch/internal/sync"
)

var daemonListen string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run sync continuously in the background.

The daemon executes a full sync cycle on a timer (sync.interval) and
watches the transport directory so operations pulled in by an external
git process are imported without waiting for the next tick.

With --listen, a WebSocket hub broadcasts setting changes and sync
completions to any open reader UI.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := daemonLogger()

		db, err := openStore()
		if err != nil {
			fatal("opening database: %v", err)
		}
		defer db.Close()

		var notifier sync.Notifier
		var hub *live.Hub
		if daemonListen != "" {
			hub = live.NewHub(daemonListen, logger)
			if err := hub.Start(); err != nil {
				fatal("starting live hub: %v", err)
			}
			defer hub.Stop()
			fmt.Printf("Live hub listening on %s\n", hub.Addr())
			notifier = hub
		}

		engine, err := newEngine(cmd, db, notifier)
		if err != nil {
			fatal("%v", err)
		}

		config := daemon.DefaultConfig()
		config.SyncInterval = viper.GetDuration("sync.interval")
		config.PushRetries = viper.GetInt("sync.push_retries")
		config.Logger = logger

		d, err := daemon.New(engine, config)
		if err != nil {
			fatal("creating daemon: %v", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil {
			fatal("daemon failed: %v", err)
		}
	},
}

// daemonLogger writes to a rotating log file when daemon.log is
// configured, stderr otherwise.
func daemonLogger() *log.Logger {
	logPath := viper.GetString("daemon.log")
	if logPath == "" {
		return log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot create log directory, logging to stderr: %v\n", err)
		return log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     30, // days
	}, "[daemon] ", log.LstdFlags)
}

func init() {
	daemonCmd.Flags().StringVar(&daemonListen, "listen", "", "address for the live update hub (e.g. 127.0.0.1:8642)")
	rootCmd.AddCommand(daemonCmd)
}
