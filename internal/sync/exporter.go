package sync

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/perch-reader/perch/internal/op"
	"github.com/perch-reader/perch/internal/oplog"
)

const (
	// dateKeyLayout names the per-day directories under ops/. The
	// lexicographic order of the names is also chronological.
	dateKeyLayout = "2006-01-02"

	// archiveAfter is how old a day directory must be before it is moved
	// to the archive tree.
	archiveAfter = 30 * 24 * time.Hour
)

// Exporter drains recorded operations and appends them to this device's
// daily log file in the transport directory.
type Exporter struct {
	manager  *Manager
	recorder *oplog.Recorder
	logger   *log.Logger
}

// NewExporter creates an Exporter. logger may be nil.
func NewExporter(manager *Manager, recorder *oplog.Recorder, logger *log.Logger) *Exporter {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Exporter{manager: manager, recorder: recorder, logger: logger}
}

// Export drains the recorder and writes one NDJSON line per operation to
// <repo>/ops/<date>/<deviceID>.ndjson. An empty drain still advances the
// export watermark so "nothing to do" stays distinguishable from "never
// ran". A write failure requeues the drained operations and is fatal to
// the cycle. After a successful export, day directories past the
// retention window are archived best-effort.
func (e *Exporter) Export(ctx context.Context) error {
	repo, err := e.manager.RepoPath(ctx)
	if err != nil {
		return err
	}
	if repo == "" {
		return nil
	}

	drained := e.recorder.Drain(0)
	if len(drained) > 0 {
		if err := e.writeOps(ctx, repo, drained); err != nil {
			e.recorder.Requeue(drained)
			return fmt.Errorf("export failed, %d operations requeued: %w", len(drained), err)
		}
		e.logger.Printf("exported %d operations", len(drained))
	}

	if err := e.manager.SetLastExportAt(ctx, time.Now()); err != nil {
		return fmt.Errorf("failed to advance export watermark: %w", err)
	}

	e.archiveOldDirs(repo)
	return nil
}

func (e *Exporter) writeOps(ctx context.Context, repo string, ops []*op.Operation) error {
	deviceID, err := e.manager.DeviceID(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, o := range ops {
		line, err := o.Marshal()
		if err != nil {
			return fmt.Errorf("failed to serialize op %s: %w", o.OpID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	dayDir := filepath.Join(repo, "ops", time.Now().UTC().Format(dateKeyLayout))
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dayDir, err)
	}

	path := filepath.Join(dayDir, deviceID+".ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return f.Close()
}

// archiveOldDirs moves ops/<date> directories older than the retention
// window under archive/ops/<date>. Each directory is handled
// independently; one failure does not stop the others.
func (e *Exporter) archiveOldDirs(repo string) {
	opsDir := filepath.Join(repo, "ops")
	dirs, err := os.ReadDir(opsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Printf("archive scan failed: %v", err)
		}
		return
	}

	cutoff := time.Now().UTC().Add(-archiveAfter)
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		day, err := time.Parse(dateKeyLayout, d.Name())
		if err != nil {
			continue
		}
		if !day.Before(cutoff) {
			continue
		}

		dest := filepath.Join(repo, "archive", "ops", d.Name())
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			e.logger.Printf("failed to create archive dir: %v", err)
			continue
		}
		if err := os.Rename(filepath.Join(opsDir, d.Name()), dest); err != nil {
			e.logger.Printf("failed to archive %s: %v", d.Name(), err)
			continue
		}
		e.logger.Printf("archived ops/%s", d.Name())
	}
}
