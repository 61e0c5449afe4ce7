package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Entry is one feed item as persisted locally.
type Entry struct {
	ID          string
	FeedID      string
	Title       string
	URL         string
	PublishedAt *time.Time
	Read        bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertEntry inserts or updates an entry.
func (db *DB) UpsertEntry(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry id is required")
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	query := `
	INSERT INTO entries (id, feed_id, title, url, published_at, read, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		feed_id = excluded.feed_id,
		title = excluded.title,
		url = excluded.url,
		published_at = excluded.published_at,
		read = excluded.read,
		updated_at = excluded.updated_at
	`

	readInt := 0
	if e.Read {
		readInt = 1
	}

	_, err := db.conn.ExecContext(ctx, query,
		e.ID, e.FeedID, e.Title, e.URL,
		timeToNullString(e.PublishedAt), readInt,
		e.CreatedAt.Format(time.RFC3339), e.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entry %s: %w", e.ID, err)
	}
	return nil
}

// GetEntry retrieves a single entry by id.
// Returns sql.ErrNoRows if the entry is not found.
func (db *DB) GetEntry(ctx context.Context, id string) (*Entry, error) {
	query := `
	SELECT id, feed_id, title, url, published_at, read, created_at, updated_at
	FROM entries WHERE id = ?
	`
	row := db.conn.QueryRowContext(ctx, query, id)

	var e Entry
	var publishedAt sql.NullString
	var readInt int
	var createdAt, updatedAt string

	err := row.Scan(&e.ID, &e.FeedID, &e.Title, &e.URL,
		&publishedAt, &readInt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.PublishedAt = nullStringToTime(publishedAt)
	e.Read = readInt != 0
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		e.UpdatedAt = t
	}

	return &e, nil
}

// EntryExists reports whether an entry row is present.
func (db *DB) EntryExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, "SELECT 1 FROM entries WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check entry %s: %w", id, err)
	}
	return true, nil
}

// SetEntryRead flips the read flag on an existing entry.
// Returns sql.ErrNoRows if the entry does not exist.
func (db *DB) SetEntryRead(ctx context.Context, id string, read bool) error {
	readInt := 0
	if read {
		readInt = 1
	}

	res, err := db.conn.ExecContext(ctx,
		"UPDATE entries SET read = ?, updated_at = ? WHERE id = ?",
		readInt, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to set read flag on entry %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// markReadBatchSize bounds the number of placeholders per statement so large
// snapshot imports stay under SQLite's bound-parameter limit.
const markReadBatchSize = 500

// MarkEntriesRead sets the read flag on every listed entry, in batches.
// Missing ids are ignored; this is the snapshot bootstrap path.
func (db *DB) MarkEntriesRead(ctx context.Context, ids []string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	for start := 0; start < len(ids); start += markReadBatchSize {
		end := start + markReadBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		placeholders := strings.Repeat("?,", len(batch))
		placeholders = placeholders[:len(placeholders)-1]

		args := make([]interface{}, 0, len(batch)+1)
		args = append(args, now)
		for _, id := range batch {
			args = append(args, id)
		}

		query := "UPDATE entries SET read = 1, updated_at = ? WHERE id IN (" + placeholders + ")"
		if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to mark entries read (batch of %d): %w", len(batch), err)
		}
	}
	return nil
}

// ReadEntryIDs returns the ids of every entry currently marked read.
func (db *DB) ReadEntryIDs(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT id FROM entries WHERE read = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query read entries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entry id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating read entries: %w", err)
	}
	return ids, nil
}

// EntryCount returns the total number of entries.
func (db *DB) EntryCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get entry count: %w", err)
	}
	return count, nil
}
