// Package vcs wraps the git commands used to move the sync transport
// directory between devices: commit, push with rebase-and-retry, and
// stale lock cleanup.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// staleLockAge is how old .git/index.lock must be before it is treated
// as an abandoned lock from a crashed process.
const staleLockAge = 10 * time.Minute

// Runner executes git commands against one sync repository.
type Runner struct {
	dir    string
	logger *log.Logger
}

// New creates a Runner for the repository at dir. logger may be nil.
func New(dir string, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(os.Stderr, "[vcs] ", log.LstdFlags)
	}
	return &Runner{dir: dir, logger: logger}
}

// Dir returns the repository directory.
func (r *Runner) Dir() string {
	return r.dir
}

// run executes a git command in the repository directory and returns its
// combined output. Failures are wrapped in a CommandError.
func (r *Runner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return string(output), ErrGitNotAvailable
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return string(output), &CommandError{
			Args:     args,
			ExitCode: exitCode,
			Output:   string(output),
			Err:      err,
		}
	}
	return string(output), nil
}

// IsRepo reports whether the runner's directory is inside a git work tree.
func (r *Runner) IsRepo(ctx context.Context) bool {
	out, err := r.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// HasRemote reports whether any remote is configured. Without one the
// push/pull steps are skipped (local-only mode).
func (r *Runner) HasRemote(ctx context.Context) bool {
	out, err := r.run(ctx, "remote")
	return err == nil && strings.TrimSpace(out) != ""
}

// CleanStaleLocks removes an abandoned .git/index.lock left behind by a
// crashed git process. A fresh lock is left alone.
func (r *Runner) CleanStaleLocks() error {
	lockPath := filepath.Join(r.dir, ".git", "index.lock")
	info, err := os.Stat(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if time.Since(info.ModTime()) < staleLockAge {
		return nil
	}
	r.logger.Printf("removing stale index.lock (age %s)", time.Since(info.ModTime()).Round(time.Second))
	return os.Remove(lockPath)
}

// PullRebase pulls remote changes with rebase. A missing remote is not
// an error. Conflict output maps to ErrConflicts.
func (r *Runner) PullRebase(ctx context.Context) error {
	if !r.HasRemote(ctx) {
		return nil
	}

	out, err := r.run(ctx, "pull", "--rebase")
	if err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "conflict") {
			// Leave the tree usable for the next cycle.
			if _, abortErr := r.run(ctx, "rebase", "--abort"); abortErr != nil {
				r.logger.Printf("rebase --abort failed: %v", abortErr)
			}
			return ErrConflicts
		}
		return err
	}
	return nil
}

// CommitAll stages everything and commits. "Nothing to commit" is
// success, not failure.
func (r *Runner) CommitAll(ctx context.Context, message string) error {
	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return err
	}

	out, err := r.run(ctx, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") ||
			strings.Contains(out, "nothing added to commit") {
			return nil
		}
		return err
	}
	return nil
}

// Push pushes to the remote, retrying up to retries times with a
// pull-rebase between attempts. Exhausting retries returns
// ErrPushExhausted wrapping the last failure.
func (r *Runner) Push(ctx context.Context, retries int) error {
	if !r.HasRemote(ctx) {
		return nil
	}
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		out, err := r.run(ctx, "push")
		if err == nil {
			return nil
		}

		if strings.Contains(out, "rejected") || strings.Contains(out, "non-fast-forward") {
			err = fmt.Errorf("%w: %s", ErrPushRejected, strings.TrimSpace(out))
		}
		lastErr = err
		if IsRetryable(err) {
			r.logger.Printf("push attempt %d/%d rejected, rebasing", attempt, retries)
			if rbErr := r.PullRebase(ctx); rbErr != nil {
				return fmt.Errorf("rebase after rejected push: %w", rbErr)
			}
			continue
		}
		r.logger.Printf("push attempt %d/%d failed: %v", attempt, retries, err)
	}
	return fmt.Errorf("%w: %w", ErrPushExhausted, lastErr)
}

// Sync runs the full transport exchange: stale lock cleanup, best-effort
// pull-rebase, commit, then push with retries.
func (r *Runner) Sync(ctx context.Context, message string, pushRetries int) error {
	if !r.IsRepo(ctx) {
		return ErrNotARepo
	}
	if err := r.CleanStaleLocks(); err != nil {
		r.logger.Printf("stale lock cleanup failed: %v", err)
	}
	if err := r.PullRebase(ctx); err != nil {
		// Best effort: the commit and push still get a chance, and push
		// does its own rebase on rejection.
		r.logger.Printf("pre-commit pull failed: %v", err)
	}
	if err := r.CommitAll(ctx, message); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	if err := r.Push(ctx, pushRetries); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	return nil
}
