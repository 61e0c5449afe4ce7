package vcs

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by sync repository operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, vcs.ErrNotARepo) {
//	    // Handle case where the sync directory is not version controlled
//	}
var (
	// ErrNotARepo is returned when the configured sync directory is not
	// inside a git repository.
	ErrNotARepo = errors.New("not a git repository")

	// ErrGitNotAvailable is returned when the git binary is not installed
	// or not in PATH.
	ErrGitNotAvailable = errors.New("git binary not available")

	// ErrPushRejected is returned when a push is rejected by the remote,
	// typically due to non-fast-forward updates.
	ErrPushRejected = errors.New("push rejected by remote")

	// ErrPushExhausted is returned when push retries are used up without
	// a successful push.
	ErrPushExhausted = errors.New("push retries exhausted")

	// ErrConflicts is returned when a rebase cannot complete due to
	// unresolved conflicts.
	ErrConflicts = errors.New("unresolved conflicts")
)

// CommandError captures a failed git invocation uniformly: the arguments,
// the exit code, and the combined output.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s failed (exit %d): %v\n%s",
		strings.Join(e.Args, " "), e.ExitCode, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is likely to succeed on retry,
// such as a push rejection that a rebase can resolve.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPushRejected)
}

// IsFatal returns true if the error indicates a non-recoverable state
// for the sync cycle.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotARepo) {
		return true
	}
	if errors.Is(err, ErrGitNotAvailable) {
		return true
	}
	return false
}
