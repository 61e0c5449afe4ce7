package store

import (
	"context"
	"fmt"
	"time"
)

// Collection is one saved entry.
type Collection struct {
	EntryID  string
	FeedID   string
	Title    string
	EntryURL string
	SavedAt  time.Time
}

// UpsertCollection inserts or updates a saved entry.
func (db *DB) UpsertCollection(ctx context.Context, c *Collection) error {
	if c.EntryID == "" {
		return fmt.Errorf("entry id is required")
	}
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO collections (entry_id, feed_id, title, entry_url, saved_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entry_id) DO UPDATE SET
		feed_id = excluded.feed_id,
		title = excluded.title,
		entry_url = excluded.entry_url,
		saved_at = excluded.saved_at
	`

	_, err := db.conn.ExecContext(ctx, query,
		c.EntryID, c.FeedID, c.Title, c.EntryURL, c.SavedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert collection %s: %w", c.EntryID, err)
	}
	return nil
}

// GetCollection retrieves a saved entry by entry id.
// Returns sql.ErrNoRows if not found.
func (db *DB) GetCollection(ctx context.Context, entryID string) (*Collection, error) {
	query := `
	SELECT entry_id, feed_id, title, entry_url, saved_at
	FROM collections WHERE entry_id = ?
	`
	row := db.conn.QueryRowContext(ctx, query, entryID)

	var c Collection
	var savedAt string
	err := row.Scan(&c.EntryID, &c.FeedID, &c.Title, &c.EntryURL, &savedAt)
	if err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, savedAt); err == nil {
		c.SavedAt = t
	}
	return &c, nil
}

// DeleteCollection removes a saved entry.
// Returns nil if the row doesn't exist (removal is idempotent).
func (db *DB) DeleteCollection(ctx context.Context, entryID string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM collections WHERE entry_id = ?", entryID)
	if err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", entryID, err)
	}
	return nil
}

// ListCollections returns all saved entries ordered by entry id.
func (db *DB) ListCollections(ctx context.Context) ([]*Collection, error) {
	query := `
	SELECT entry_id, feed_id, title, entry_url, saved_at
	FROM collections ORDER BY entry_id
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var cols []*Collection
	for rows.Next() {
		var c Collection
		var savedAt string
		if err := rows.Scan(&c.EntryID, &c.FeedID, &c.Title, &c.EntryURL, &savedAt); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, savedAt); err == nil {
			c.SavedAt = t
		}
		cols = append(cols, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}
	return cols, nil
}

// CollectionCount returns the total number of saved entries.
func (db *DB) CollectionCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM collections").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get collection count: %w", err)
	}
	return count, nil
}
