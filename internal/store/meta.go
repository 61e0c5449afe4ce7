package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Well-known sync_meta keys.
const (
	MetaDeviceID     = "device_id"
	MetaLogicalClock = "logical_clock"
	MetaRepoPath     = "repo_path"
	MetaLastExportAt = "last_export_at"
	MetaLastImportAt = "last_import_at"
)

// GetMeta reads a sync metadata value. Returns "" and no error when absent.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get sync meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta writes a sync metadata value. Write errors propagate; watermark
// and clock updates must not fail silently.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := db.conn.ExecContext(ctx, query, key, value)
	if err != nil {
		return fmt.Errorf("failed to set sync meta %s: %w", key, err)
	}
	return nil
}
