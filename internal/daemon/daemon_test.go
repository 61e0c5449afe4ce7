package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/perch-reader/perch/internal/store"
	"github.com/perch-reader/perch/internal/sync"
	"github.com/perch-reader/perch/internal/vcs"
)

func testEngine(t *testing.T, repo string) *sync.Engine {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "perch.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	engine := sync.NewEngine(db, nil, nil, log.New(io.Discard, "", 0))
	if repo != "" {
		if err := engine.Manager().SetRepoPath(context.Background(), repo); err != nil {
			t.Fatalf("failed to set repo path: %v", err)
		}
	}
	return engine
}

// gitTransport creates a git-initialized transport directory. Start
// refuses an unversioned one.
func gitTransport(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	cmd := exec.Command("git", "init")
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}
	exec.Command("git", "-C", dir, "config", "user.name", "Test User").Run()
	exec.Command("git", "-C", dir, "config", "user.email", "test@example.com").Run()

	return dir
}

func quietConfig() *Config {
	c := DefaultConfig()
	c.Logger = log.New(io.Discard, "", 0)
	return c
}

func TestNew(t *testing.T) {
	engine := testEngine(t, "")

	d, err := New(engine, quietConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer d.Stop()

	if _, err := New(nil, nil); err == nil {
		t.Error("expected error for nil engine")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	engine := testEngine(t, "")

	d, err := New(engine, &Config{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer d.Stop()

	if d.config.SyncInterval <= 0 {
		t.Error("sync interval default not applied")
	}
	if d.config.DebounceInterval <= 0 {
		t.Error("debounce interval default not applied")
	}
}

func TestStartUnconfigured(t *testing.T) {
	engine := testEngine(t, "")
	d, err := New(engine, quietConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = d.Start(context.Background())
	if !errors.Is(err, sync.ErrNotConfigured) {
		t.Errorf("Start = %v, want ErrNotConfigured", err)
	}
}

func TestStartRefusesUnversionedRepo(t *testing.T) {
	// A plain directory cannot be committed to; retrying every interval
	// will not fix that, so Start must fail instead of warning.
	engine := testEngine(t, t.TempDir())
	d, err := New(engine, quietConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer d.Stop()

	err = d.Start(context.Background())
	if !errors.Is(err, vcs.ErrNotARepo) {
		t.Errorf("Start = %v, want ErrNotARepo", err)
	}
}

func TestDebounceSettling(t *testing.T) {
	engine := testEngine(t, "")
	config := quietConfig()
	config.DebounceInterval = 50 * time.Millisecond

	d, err := New(engine, config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer d.Stop()

	d.queueChange("/repo/ops/2026-08-30/other.ndjson")

	// Too soon: the change has not settled yet.
	if d.takeSettledChanges() {
		t.Error("change reported settled immediately")
	}

	time.Sleep(60 * time.Millisecond)
	if !d.takeSettledChanges() {
		t.Error("settled change not reported")
	}
	// Queue is now empty.
	if d.takeSettledChanges() {
		t.Error("drained queue reported changes")
	}
}

func TestGracefulShutdown(t *testing.T) {
	repo := gitTransport(t)
	engine := testEngine(t, repo)
	config := quietConfig()
	config.SyncInterval = time.Hour

	d, err := New(engine, config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v on shutdown, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
