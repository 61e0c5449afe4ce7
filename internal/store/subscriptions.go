package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Subscription is one subscribed feed.
type Subscription struct {
	FeedID    string
	FeedURL   string
	Title     string
	SiteURL   string
	Category  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubscriptionPatch holds optional field updates for an existing
// subscription. Nil fields are left untouched.
type SubscriptionPatch struct {
	FeedURL  *string
	Title    *string
	SiteURL  *string
	Category *string
}

// UpsertSubscription inserts or updates a subscription.
func (db *DB) UpsertSubscription(ctx context.Context, s *Subscription) error {
	if s.FeedID == "" {
		return fmt.Errorf("feed id is required")
	}

	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	query := `
	INSERT INTO subscriptions (feed_id, feed_url, title, site_url, category, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(feed_id) DO UPDATE SET
		feed_url = excluded.feed_url,
		title = excluded.title,
		site_url = excluded.site_url,
		category = excluded.category,
		updated_at = excluded.updated_at
	`

	_, err := db.conn.ExecContext(ctx, query,
		s.FeedID, s.FeedURL, s.Title, s.SiteURL, s.Category,
		s.CreatedAt.Format(time.RFC3339), s.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription %s: %w", s.FeedID, err)
	}
	return nil
}

// GetSubscription retrieves a subscription by feed id.
// Returns sql.ErrNoRows if not found.
func (db *DB) GetSubscription(ctx context.Context, feedID string) (*Subscription, error) {
	query := `
	SELECT feed_id, feed_url, title, site_url, category, created_at, updated_at
	FROM subscriptions WHERE feed_id = ?
	`
	row := db.conn.QueryRowContext(ctx, query, feedID)
	return scanSubscription(row)
}

// SubscriptionExists reports whether a subscription row is present.
func (db *DB) SubscriptionExists(ctx context.Context, feedID string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, "SELECT 1 FROM subscriptions WHERE feed_id = ?", feedID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check subscription %s: %w", feedID, err)
	}
	return true, nil
}

// PatchSubscription applies non-nil fields of the patch to an existing row.
// Returns sql.ErrNoRows if the subscription does not exist.
func (db *DB) PatchSubscription(ctx context.Context, feedID string, patch SubscriptionPatch) error {
	existing, err := db.GetSubscription(ctx, feedID)
	if err != nil {
		return err
	}

	if patch.FeedURL != nil {
		existing.FeedURL = *patch.FeedURL
	}
	if patch.Title != nil {
		existing.Title = *patch.Title
	}
	if patch.SiteURL != nil {
		existing.SiteURL = *patch.SiteURL
	}
	if patch.Category != nil {
		existing.Category = *patch.Category
	}

	return db.UpsertSubscription(ctx, existing)
}

// DeleteSubscription removes a subscription.
// Returns nil if the row doesn't exist (idempotent).
func (db *DB) DeleteSubscription(ctx context.Context, feedID string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM subscriptions WHERE feed_id = ?", feedID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", feedID, err)
	}
	return nil
}

// ListSubscriptions returns all subscriptions ordered by feed id.
func (db *DB) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	query := `
	SELECT feed_id, feed_url, title, site_url, category, created_at, updated_at
	FROM subscriptions ORDER BY feed_id
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

// SubscriptionCount returns the total number of subscriptions.
func (db *DB) SubscriptionCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM subscriptions").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get subscription count: %w", err)
	}
	return count, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	var s Subscription
	var createdAt, updatedAt string

	err := row.Scan(&s.FeedID, &s.FeedURL, &s.Title, &s.SiteURL, &s.Category,
		&createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		s.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		s.UpdatedAt = t
	}
	return &s, nil
}
