package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return db
}

func TestEntryRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e := &Entry{ID: "e-1", FeedID: "f-1", Title: "Hello", URL: "https://example.com/1"}
	if err := db.UpsertEntry(ctx, e); err != nil {
		t.Fatalf("UpsertEntry failed: %v", err)
	}

	got, err := db.GetEntry(ctx, "e-1")
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if got.Title != "Hello" || got.Read {
		t.Errorf("unexpected entry: %+v", got)
	}

	exists, err := db.EntryExists(ctx, "e-1")
	if err != nil || !exists {
		t.Errorf("EntryExists = %v, %v; want true, nil", exists, err)
	}
	exists, err = db.EntryExists(ctx, "e-missing")
	if err != nil || exists {
		t.Errorf("EntryExists for missing = %v, %v; want false, nil", exists, err)
	}
}

func TestSetEntryRead(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.UpsertEntry(ctx, &Entry{ID: "e-1", FeedID: "f-1"}); err != nil {
		t.Fatalf("UpsertEntry failed: %v", err)
	}

	if err := db.SetEntryRead(ctx, "e-1", true); err != nil {
		t.Fatalf("SetEntryRead failed: %v", err)
	}
	got, err := db.GetEntry(ctx, "e-1")
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if !got.Read {
		t.Error("expected read flag set")
	}

	// Repeating the same flip is safe.
	if err := db.SetEntryRead(ctx, "e-1", true); err != nil {
		t.Fatalf("repeated SetEntryRead failed: %v", err)
	}

	// Missing entries surface sql.ErrNoRows (the orphan signal).
	if err := db.SetEntryRead(ctx, "e-missing", true); err != sql.ErrNoRows {
		t.Errorf("SetEntryRead on missing entry = %v, want sql.ErrNoRows", err)
	}
}

func TestMarkEntriesReadBatches(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// More ids than one batch to exercise the batching loop.
	var ids []string
	for i := 0; i < markReadBatchSize+10; i++ {
		id := fmt.Sprintf("e-%04d", i)
		if err := db.UpsertEntry(ctx, &Entry{ID: id, FeedID: "f-1"}); err != nil {
			t.Fatalf("UpsertEntry failed: %v", err)
		}
		ids = append(ids, id)
	}

	if err := db.MarkEntriesRead(ctx, ids); err != nil {
		t.Fatalf("MarkEntriesRead failed: %v", err)
	}

	readIDs, err := db.ReadEntryIDs(ctx)
	if err != nil {
		t.Fatalf("ReadEntryIDs failed: %v", err)
	}
	if len(readIDs) != len(ids) {
		t.Errorf("expected %d read entries, got %d", len(ids), len(readIDs))
	}
}

func TestSubscriptionPatch(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s := &Subscription{FeedID: "f-1", FeedURL: "https://example.com/feed", Title: "Old"}
	if err := db.UpsertSubscription(ctx, s); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	title := "New"
	if err := db.PatchSubscription(ctx, "f-1", SubscriptionPatch{Title: &title}); err != nil {
		t.Fatalf("PatchSubscription failed: %v", err)
	}

	got, err := db.GetSubscription(ctx, "f-1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.Title != "New" {
		t.Errorf("title = %q, want %q", got.Title, "New")
	}
	if got.FeedURL != "https://example.com/feed" {
		t.Errorf("patch clobbered feed_url: %q", got.FeedURL)
	}

	// Patching a missing row is the orphan signal.
	if err := db.PatchSubscription(ctx, "f-missing", SubscriptionPatch{Title: &title}); err != sql.ErrNoRows {
		t.Errorf("PatchSubscription on missing row = %v, want sql.ErrNoRows", err)
	}
}

func TestDeleteSubscriptionIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.UpsertSubscription(ctx, &Subscription{FeedID: "f-1", FeedURL: "u"}); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}
	if err := db.DeleteSubscription(ctx, "f-1"); err != nil {
		t.Fatalf("DeleteSubscription failed: %v", err)
	}
	if err := db.DeleteSubscription(ctx, "f-1"); err != nil {
		t.Fatalf("repeated DeleteSubscription failed: %v", err)
	}

	count, err := db.SubscriptionCount(ctx)
	if err != nil {
		t.Fatalf("SubscriptionCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 subscriptions, got %d", count)
	}
}

func TestCollectionRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	c := &Collection{EntryID: "e-1", FeedID: "f-1", Title: "Saved"}
	if err := db.UpsertCollection(ctx, c); err != nil {
		t.Fatalf("UpsertCollection failed: %v", err)
	}

	got, err := db.GetCollection(ctx, "e-1")
	if err != nil {
		t.Fatalf("GetCollection failed: %v", err)
	}
	if got.Title != "Saved" || got.SavedAt.IsZero() {
		t.Errorf("unexpected collection: %+v", got)
	}

	if err := db.DeleteCollection(ctx, "e-1"); err != nil {
		t.Fatalf("DeleteCollection failed: %v", err)
	}
	if err := db.DeleteCollection(ctx, "e-1"); err != nil {
		t.Fatalf("repeated DeleteCollection failed: %v", err)
	}
}

func TestAppliedLedger(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	applied, err := db.IsOpApplied(ctx, "op-1")
	if err != nil {
		t.Fatalf("IsOpApplied failed: %v", err)
	}
	if applied {
		t.Error("op should not be applied yet")
	}

	if err := db.MarkOpApplied(ctx, "op-1"); err != nil {
		t.Fatalf("MarkOpApplied failed: %v", err)
	}
	// Marking twice is a no-op, not an error.
	if err := db.MarkOpApplied(ctx, "op-1"); err != nil {
		t.Fatalf("repeated MarkOpApplied failed: %v", err)
	}

	applied, err = db.IsOpApplied(ctx, "op-1")
	if err != nil {
		t.Fatalf("IsOpApplied failed: %v", err)
	}
	if !applied {
		t.Error("op should be applied")
	}

	count, err := db.AppliedOpCount(ctx)
	if err != nil {
		t.Fatalf("AppliedOpCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 ledger row, got %d", count)
	}
}

func TestPruneAppliedOps(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.MarkOpApplied(ctx, "op-old"); err != nil {
		t.Fatalf("MarkOpApplied failed: %v", err)
	}
	// Backdate the row past the cutoff.
	old := time.Now().AddDate(0, 0, -60).UTC().Format(time.RFC3339)
	if _, err := db.RawDB().Exec("UPDATE applied_ops SET applied_at = ? WHERE op_id = 'op-old'", old); err != nil {
		t.Fatalf("failed to backdate ledger row: %v", err)
	}
	if err := db.MarkOpApplied(ctx, "op-new"); err != nil {
		t.Fatalf("MarkOpApplied failed: %v", err)
	}

	n, err := db.PruneAppliedOps(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("PruneAppliedOps failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned row, got %d", n)
	}

	count, _ := db.AppliedOpCount(ctx)
	if count != 1 {
		t.Errorf("expected 1 remaining row, got %d", count)
	}
}

func TestPendingQueueLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	if err := db.SavePendingOp(ctx, "op-1", `{"op_id":"op-1"}`, now.Add(time.Hour)); err != nil {
		t.Fatalf("SavePendingOp failed: %v", err)
	}

	// Not due yet.
	due, err := db.DuePendingOps(ctx, now)
	if err != nil {
		t.Fatalf("DuePendingOps failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected 0 due ops, got %d", len(due))
	}

	// Force the retry time into the past.
	if err := db.ReschedulePendingOp(ctx, "op-1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("ReschedulePendingOp failed: %v", err)
	}
	due, err = db.DuePendingOps(ctx, now)
	if err != nil {
		t.Fatalf("DuePendingOps failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due op, got %d", len(due))
	}
	if due[0].Status != PendingStatusPending {
		t.Errorf("status = %q, want pending", due[0].Status)
	}

	if err := db.SetPendingStatus(ctx, "op-1", PendingStatusApplied, ""); err != nil {
		t.Fatalf("SetPendingStatus failed: %v", err)
	}
	got, err := db.GetPendingOp(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetPendingOp failed: %v", err)
	}
	if got.Status != PendingStatusApplied {
		t.Errorf("status = %q, want applied", got.Status)
	}
}

func TestExpirePendingOps(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.SavePendingOp(ctx, "op-old", "{}", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SavePendingOp failed: %v", err)
	}
	// Backdate creation past the 90 day window.
	old := time.Now().AddDate(0, 0, -91).UTC().Format(time.RFC3339)
	if _, err := db.RawDB().Exec("UPDATE pending_ops SET created_at = ? WHERE op_id = 'op-old'", old); err != nil {
		t.Fatalf("failed to backdate pending row: %v", err)
	}
	if err := db.SavePendingOp(ctx, "op-new", "{}", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SavePendingOp failed: %v", err)
	}

	n, err := db.ExpirePendingOps(ctx, time.Now().AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("ExpirePendingOps failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired row, got %d", n)
	}

	got, err := db.GetPendingOp(ctx, "op-old")
	if err != nil {
		t.Fatalf("GetPendingOp failed: %v", err)
	}
	if got.Status != PendingStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.LastError != "expired" {
		t.Errorf("last_error = %q, want expired", got.LastError)
	}
}

func TestSettings(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.SetSetting(ctx, "theme", "dark"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := db.SetSetting(ctx, "theme", "light"); err != nil {
		t.Fatalf("SetSetting overwrite failed: %v", err)
	}

	got, err := db.GetSetting(ctx, "theme")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if got != "light" {
		t.Errorf("theme = %q, want light", got)
	}

	got, err = db.GetSetting(ctx, "missing")
	if err != nil || got != "" {
		t.Errorf("GetSetting for missing key = %q, %v; want empty, nil", got, err)
	}
}

func TestMeta(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	got, err := db.GetMeta(ctx, MetaDeviceID)
	if err != nil || got != "" {
		t.Errorf("GetMeta on empty store = %q, %v; want empty, nil", got, err)
	}

	if err := db.SetMeta(ctx, MetaDeviceID, "device-a"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	if err := db.SetMeta(ctx, MetaLogicalClock, "42"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}

	got, err = db.GetMeta(ctx, MetaDeviceID)
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if got != "device-a" {
		t.Errorf("device id = %q, want device-a", got)
	}
}
