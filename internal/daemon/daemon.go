// Package daemon runs sync in the background:
//
// 1. Periodically executes a full sync cycle
// 2. Watches the transport directory and imports new remote ops quickly
// 3. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/perch-reader/perch/internal/sync"
	"github.com/perch-reader/perch/internal/vcs"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a full sync cycle runs.
	SyncInterval time.Duration

	// DebounceInterval is how long to wait after a file event before
	// importing, batching rapid git checkouts into one pass.
	DebounceInterval time.Duration

	// PushRetries bounds push attempts per cycle.
	PushRetries int

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		DebounceInterval: 2 * time.Second,
		PushRetries:      3,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon drives periodic sync cycles and watches the transport
// directory for remote changes.
type Daemon struct {
	engine *sync.Engine
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // path -> event time
	changeQueueMu gosync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// New creates a Daemon around an engine.
func New(engine *sync.Engine, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 5 * time.Minute
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 2 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		engine:      engine,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled. It performs an initial
// full cycle, then alternates between the periodic timer and
// watcher-triggered import passes.
func (d *Daemon) Start(ctx context.Context) error {
	repo, err := d.engine.Manager().RepoPath(ctx)
	if err != nil {
		return err
	}
	if repo == "" {
		return sync.ErrNotConfigured
	}

	d.config.Logger.Println("starting sync daemon")

	// Initial cycle. A transient transport failure here should not kill
	// the daemon; the periodic timer retries. A fatal one (missing git,
	// unversioned repo dir) will not heal on retry, so bail out instead.
	if err := d.runFullCycle(ctx); err != nil {
		if vcs.IsFatal(err) {
			return fmt.Errorf("initial sync failed: %w", err)
		}
		d.config.Logger.Printf("warning: initial sync failed: %v", err)
	}

	opsDir := filepath.Join(repo, "ops")
	if err := os.MkdirAll(opsDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", opsDir, err)
	}
	if err := d.watcher.Add(opsDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", opsDir, err)
	}
	// Day subdirectories need their own watches; new ones are added as
	// they appear.
	days, err := os.ReadDir(opsDir)
	if err == nil {
		for _, day := range days {
			if day.IsDir() {
				if err := d.watcher.Add(filepath.Join(opsDir, day.Name())); err != nil {
					d.config.Logger.Printf("warning: failed to watch %s: %v", day.Name(), err)
				}
			}
		}
	}
	d.config.Logger.Printf("watching %s", opsDir)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue(ctx)
	go d.periodicSync(ctx)

	select {
	case <-ctx.Done():
		d.config.Logger.Println("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.cancel()
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("error closing watcher: %v", err)
	}
	d.wg.Wait()
	d.config.Logger.Println("daemon stopped")
	return nil
}

func (d *Daemon) runFullCycle(ctx context.Context) error {
	err := d.engine.Run(ctx, sync.Options{PushRetries: d.config.PushRetries})
	if errors.Is(err, sync.ErrSyncInFlight) {
		// Another trigger got there first.
		return nil
	}
	return err
}

// watchFileEvents queues ndjson changes and registers new day
// directories with the watcher.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := d.watcher.Add(event.Name); err != nil {
						d.config.Logger.Printf("warning: failed to watch %s: %v", event.Name, err)
					}
					continue
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".ndjson" {
				continue
			}
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

// processChangeQueue turns settled file events into an import-only pass.
func (d *Daemon) processChangeQueue(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !d.takeSettledChanges() {
				continue
			}
			err := d.engine.Run(ctx, sync.Options{ImportOnly: true})
			if err != nil && !errors.Is(err, sync.ErrSyncInFlight) {
				d.config.Logger.Printf("import pass failed: %v", err)
			}
		}
	}
}

// takeSettledChanges clears the queue and reports whether any change has
// been quiet for a full debounce interval.
func (d *Daemon) takeSettledChanges() bool {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	settled := false
	now := time.Now()
	for path, at := range d.changeQueue {
		if now.Sub(at) >= d.config.DebounceInterval {
			delete(d.changeQueue, path)
			settled = true
		}
	}
	return settled
}

func (d *Daemon) periodicSync(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.runFullCycle(ctx); err != nil {
				d.config.Logger.Printf("sync cycle failed: %v", err)
			}
		}
	}
}
