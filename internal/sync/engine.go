package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/perch-reader/perch/internal/oplog"
	"github.com/perch-reader/perch/internal/store"
	"github.com/perch-reader/perch/internal/vcs"
)

var (
	// ErrSyncInFlight is returned when a cycle is requested while one is
	// already running. Overlapping cycles could double-export or race on
	// the metadata, so the second request is rejected, not queued.
	ErrSyncInFlight = errors.New("sync already in progress")

	// ErrNotConfigured is returned when no transport repository is set.
	ErrNotConfigured = errors.New("sync repository not configured")
)

// Options control one sync cycle.
type Options struct {
	// Message is the commit message for the transport repository.
	Message string
	// ExportOnly skips the import and pending-drain phases.
	ExportOnly bool
	// ImportOnly skips the export phase; the transport step becomes a
	// plain pull.
	ImportOnly bool
	// NoPush commits locally but does not push to the remote.
	NoPush bool
	// PushRetries bounds push attempts, with a rebase between each.
	// Zero means the default of 3.
	PushRetries int
}

// Engine wires the exporter, transport runner, importer, and pending
// drain into one single-flight sync cycle.
type Engine struct {
	mu sync.Mutex // TryLock guards the whole cycle

	db       *store.DB
	manager  *Manager
	recorder *oplog.Recorder
	exporter *Exporter
	importer *Importer
	applier  *Applier
	notifier Notifier
	logger   *log.Logger
}

// NewEngine builds the full sync pipeline over db. recorder, notifier,
// and logger may be nil.
func NewEngine(db *store.DB, recorder *oplog.Recorder, notifier Notifier, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	manager := NewManager(db, logger)
	if recorder == nil {
		recorder = oplog.New(manager, logger)
	} else {
		recorder.SetIdentity(manager)
	}
	applier := NewApplier(db, recorder, notifier, logger)
	return &Engine{
		db:       db,
		manager:  manager,
		recorder: recorder,
		exporter: NewExporter(manager, recorder, logger),
		importer: NewImporter(manager, applier, logger),
		applier:  applier,
		notifier: notifier,
		logger:   logger,
	}
}

// Manager exposes the sync metadata owner.
func (e *Engine) Manager() *Manager { return e.manager }

// Recorder exposes the operation buffer for callers recording local
// mutations.
func (e *Engine) Recorder() *oplog.Recorder { return e.recorder }

// Run executes one sync cycle: export, transport exchange, import,
// pending drain. At most one cycle runs at a time; a second caller gets
// ErrSyncInFlight immediately rather than waiting.
func (e *Engine) Run(ctx context.Context, opts Options) error {
	if !e.mu.TryLock() {
		return ErrSyncInFlight
	}
	defer e.mu.Unlock()

	repo, err := e.manager.RepoPath(ctx)
	if err != nil {
		return err
	}
	if repo == "" {
		return ErrNotConfigured
	}

	if opts.Message == "" {
		opts.Message = "sync " + time.Now().UTC().Format(time.RFC3339)
	}
	if opts.PushRetries <= 0 {
		opts.PushRetries = 3
	}

	if !opts.ImportOnly {
		if err := e.exporter.Export(ctx); err != nil {
			return fmt.Errorf("export phase: %w", err)
		}
	}

	if err := e.exchange(ctx, repo, opts); err != nil {
		return fmt.Errorf("transport phase: %w", err)
	}

	if !opts.ExportOnly {
		if err := e.importer.Import(ctx); err != nil {
			return fmt.Errorf("import phase: %w", err)
		}
		if err := e.applier.DrainPending(ctx); err != nil {
			return fmt.Errorf("pending drain: %w", err)
		}
	}

	if e.notifier != nil {
		e.notifier.SyncCompleted()
	}
	return nil
}

// exchange moves the transport repository: a full commit-and-push for a
// normal cycle, a plain pull for import-only, commit without push when
// pushing is suppressed.
func (e *Engine) exchange(ctx context.Context, repo string, opts Options) error {
	runner := vcs.New(repo, e.logger)

	if opts.ImportOnly {
		if !runner.IsRepo(ctx) {
			return vcs.ErrNotARepo
		}
		return runner.PullRebase(ctx)
	}
	if opts.NoPush {
		if !runner.IsRepo(ctx) {
			return vcs.ErrNotARepo
		}
		if err := runner.CleanStaleLocks(); err != nil {
			e.logger.Printf("stale lock cleanup failed: %v", err)
		}
		return runner.CommitAll(ctx, opts.Message)
	}
	return runner.Sync(ctx, opts.Message, opts.PushRetries)
}

// Status is the operator-facing view of sync state.
type Status struct {
	DeviceID     string
	RepoPath     string
	LogicalClock int64
	LastExportAt time.Time
	LastImportAt time.Time
	Entries      int
	Collections  int
	BufferedOps  int
	PendingOps   int
	AppliedOps   int
}

// Status reports device identity, watermarks, and queue depths.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	deviceID, err := e.manager.DeviceID(ctx)
	if err != nil {
		return nil, err
	}
	repo, err := e.manager.RepoPath(ctx)
	if err != nil {
		return nil, err
	}
	clock, err := e.manager.Clock(ctx)
	if err != nil {
		return nil, err
	}
	lastExport, err := e.manager.LastExportAt(ctx)
	if err != nil {
		return nil, err
	}
	lastImport, err := e.manager.LastImportAt(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := e.db.EntryCount(ctx)
	if err != nil {
		return nil, err
	}
	collections, err := e.db.CollectionCount(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := e.db.PendingOpCount(ctx)
	if err != nil {
		return nil, err
	}
	applied, err := e.db.AppliedOpCount(ctx)
	if err != nil {
		return nil, err
	}

	return &Status{
		DeviceID:     deviceID,
		RepoPath:     repo,
		LogicalClock: clock,
		LastExportAt: lastExport,
		LastImportAt: lastImport,
		Entries:      entries,
		Collections:  collections,
		BufferedOps:  e.recorder.Len(),
		PendingOps:   pending,
		AppliedOps:   applied,
	}, nil
}
