package store

import (
	"context"
	"fmt"
	"time"
)

// Pending queue statuses.
const (
	PendingStatusPending = "pending"
	PendingStatusApplied = "applied"
	PendingStatusFailed  = "failed"
)

// PendingOp is one orphaned operation awaiting retry.
type PendingOp struct {
	OpID       string
	OpJSON     string
	Status     string
	RetryAfter time.Time
	CreatedAt  time.Time
	LastError  string
}

// SavePendingOp stores an orphaned operation for later retry.
// Saving an op id that already exists leaves the existing row untouched.
func (db *DB) SavePendingOp(ctx context.Context, opID, opJSON string, retryAfter time.Time) error {
	query := `
	INSERT INTO pending_ops (op_id, op_json, status, retry_after, created_at)
	VALUES (?, ?, 'pending', ?, ?)
	ON CONFLICT(op_id) DO NOTHING
	`
	_, err := db.conn.ExecContext(ctx, query, opID, opJSON,
		retryAfter.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save pending op %s: %w", opID, err)
	}
	return nil
}

// DuePendingOps returns pending rows whose retry time has passed.
func (db *DB) DuePendingOps(ctx context.Context, now time.Time) ([]*PendingOp, error) {
	query := `
	SELECT op_id, op_json, status, retry_after, created_at, last_error
	FROM pending_ops
	WHERE status = 'pending' AND retry_after <= ?
	ORDER BY created_at
	`
	rows, err := db.conn.QueryContext(ctx, query, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query due pending ops: %w", err)
	}
	defer rows.Close()

	var ops []*PendingOp
	for rows.Next() {
		var p PendingOp
		var retryAfter, createdAt string
		if err := rows.Scan(&p.OpID, &p.OpJSON, &p.Status, &retryAfter, &createdAt, &p.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan pending op: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, retryAfter); err == nil {
			p.RetryAfter = t
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			p.CreatedAt = t
		}
		ops = append(ops, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending ops: %w", err)
	}
	return ops, nil
}

// SetPendingStatus moves a pending row to a terminal or retried state.
func (db *DB) SetPendingStatus(ctx context.Context, opID, status, lastError string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE pending_ops SET status = ?, last_error = ? WHERE op_id = ?",
		status, lastError, opID)
	if err != nil {
		return fmt.Errorf("failed to set pending op %s status: %w", opID, err)
	}
	return nil
}

// ReschedulePendingOp pushes a pending row's retry time into the future.
func (db *DB) ReschedulePendingOp(ctx context.Context, opID string, retryAfter time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE pending_ops SET retry_after = ? WHERE op_id = ?",
		retryAfter.UTC().Format(time.RFC3339), opID)
	if err != nil {
		return fmt.Errorf("failed to reschedule pending op %s: %w", opID, err)
	}
	return nil
}

// ExpirePendingOps marks failed every pending row created before the cutoff,
// regardless of retry state. Returns the number of rows expired.
func (db *DB) ExpirePendingOps(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE pending_ops SET status = 'failed', last_error = 'expired' WHERE status = 'pending' AND created_at < ?",
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending ops: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// GetPendingOp retrieves one pending row by op id.
// Returns sql.ErrNoRows if absent.
func (db *DB) GetPendingOp(ctx context.Context, opID string) (*PendingOp, error) {
	query := `
	SELECT op_id, op_json, status, retry_after, created_at, last_error
	FROM pending_ops WHERE op_id = ?
	`
	row := db.conn.QueryRowContext(ctx, query, opID)

	var p PendingOp
	var retryAfter, createdAt string
	err := row.Scan(&p.OpID, &p.OpJSON, &p.Status, &retryAfter, &createdAt, &p.LastError)
	if err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, retryAfter); err == nil {
		p.RetryAfter = t
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		p.CreatedAt = t
	}
	return &p, nil
}

// PendingOpCount returns the number of rows currently in 'pending' status.
func (db *DB) PendingOpCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_ops WHERE status = 'pending'").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending op count: %w", err)
	}
	return count, nil
}
