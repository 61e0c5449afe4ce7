package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IsOpApplied reports whether an operation id is in the applied ledger.
func (db *DB) IsOpApplied(ctx context.Context, opID string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, "SELECT 1 FROM applied_ops WHERE op_id = ?", opID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check applied op %s: %w", opID, err)
	}
	return true, nil
}

// MarkOpApplied records an operation id in the applied ledger.
// Inserting the same id twice is a no-op; two operations with the same id
// are the same event everywhere.
func (db *DB) MarkOpApplied(ctx context.Context, opID string) error {
	query := `
	INSERT INTO applied_ops (op_id, applied_at) VALUES (?, ?)
	ON CONFLICT(op_id) DO NOTHING
	`
	_, err := db.conn.ExecContext(ctx, query, opID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to mark op %s applied: %w", opID, err)
	}
	return nil
}

// AppliedOpCount returns the size of the applied ledger.
func (db *DB) AppliedOpCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM applied_ops").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get applied op count: %w", err)
	}
	return count, nil
}

// PruneAppliedOps removes ledger rows applied before the cutoff. Safe once
// the containing day directories have been archived, since archived logs are
// no longer scanned on import.
func (db *DB) PruneAppliedOps(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM applied_ops WHERE applied_at < ?", cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to prune applied ops: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}
