package sync

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/perch-reader/perch/internal/op"
)

// orphanRetryDelay is how long an orphaned operation waits in the
// pending queue before its first retry, and between retries.
const orphanRetryDelay = time.Hour

// Importer scans other devices' daily log files and replays every
// never-seen operation through the Applier.
type Importer struct {
	manager *Manager
	applier *Applier
	logger  *log.Logger
}

// NewImporter creates an Importer. logger may be nil.
func NewImporter(manager *Manager, applier *Applier, logger *log.Logger) *Importer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Importer{manager: manager, applier: applier, logger: logger}
}

// Import replays remote operations from the transport directory. The
// device's own log files are never read. Date directories are visited
// in lexicographic order, which is chronological for the day naming.
// The import watermark advances on every clean scan, even one that
// found nothing new.
func (i *Importer) Import(ctx context.Context) error {
	repo, err := i.manager.RepoPath(ctx)
	if err != nil {
		return err
	}
	if repo == "" {
		return nil
	}

	deviceID, err := i.manager.DeviceID(ctx)
	if err != nil {
		return err
	}
	ownFile := deviceID + ".ndjson"

	opsDir := filepath.Join(repo, "ops")
	dirs, err := os.ReadDir(opsDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to list %s: %w", opsDir, err)
	}

	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dayDir := filepath.Join(opsDir, d.Name())
		files, err := os.ReadDir(dayDir)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", dayDir, err)
		}
		for _, f := range files {
			if f.IsDir() || f.Name() == ownFile || !strings.HasSuffix(f.Name(), ".ndjson") {
				continue
			}
			if err := i.importFile(ctx, filepath.Join(dayDir, f.Name())); err != nil {
				return err
			}
		}
	}

	if err := i.manager.SetLastImportAt(ctx, time.Now()); err != nil {
		return fmt.Errorf("failed to advance import watermark: %w", err)
	}
	return nil
}

func (i *Importer) importFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	applied := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		o, err := op.Unmarshal([]byte(line))
		if err != nil {
			i.logger.Printf("warning: skipping malformed line %s:%d: %v", filepath.Base(path), lineNo, err)
			continue
		}

		seen, err := i.applier.IsApplied(ctx, o.OpID)
		if err != nil {
			return fmt.Errorf("ledger check failed for op %s: %w", o.OpID, err)
		}
		if seen {
			continue
		}

		outcome, err := i.applier.Apply(ctx, o)
		if err != nil {
			// Left unmarked so the next import pass retries it.
			i.logger.Printf("failed to apply op %s: %v", o.OpID, err)
			continue
		}

		switch outcome {
		case OutcomeOrphan:
			// Parked in the pending queue and marked applied: the retry
			// path is the queue drain, not repeated import scans.
			if err := i.applier.SavePending(ctx, o, time.Now().Add(orphanRetryDelay)); err != nil {
				return fmt.Errorf("failed to park orphan op %s: %w", o.OpID, err)
			}
		case OutcomeApplied:
			applied++
		}
		if err := i.applier.MarkApplied(ctx, o.OpID); err != nil {
			return fmt.Errorf("failed to mark op %s applied: %w", o.OpID, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if applied > 0 {
		i.logger.Printf("applied %d operations from %s", applied, filepath.Base(path))
	}
	return nil
}
