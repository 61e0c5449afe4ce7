package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/perch-reader/perch/internal/store"
)

// ErrDeviceHasHistory is returned when a snapshot import is attempted on
// a device whose logical clock has already advanced. The snapshot path
// bypasses the op log and the ledger, so it must only ever seed a brand
// new device.
var ErrDeviceHasHistory = errors.New("device already has sync history, refusing snapshot import")

// Snapshot is the full-state bootstrap document written to
// snapshot/latest.json in the transport directory.
type Snapshot struct {
	DeviceID      string                 `json:"deviceId"`
	Timestamp     time.Time              `json:"timestamp"`
	LogicalClock  int64                  `json:"logicalClock"`
	Subscriptions []snapshotSubscription `json:"subscriptions"`
	Collections   []snapshotCollection   `json:"collections"`
	ReadEntries   []string               `json:"readEntries"`
}

type snapshotSubscription struct {
	FeedID   string `json:"feedId"`
	FeedURL  string `json:"feedUrl"`
	Title    string `json:"title,omitempty"`
	SiteURL  string `json:"siteUrl,omitempty"`
	Category string `json:"category,omitempty"`
}

type snapshotCollection struct {
	EntryID  string    `json:"entryId"`
	FeedID   string    `json:"feedId"`
	Title    string    `json:"title,omitempty"`
	EntryURL string    `json:"entryUrl,omitempty"`
	SavedAt  time.Time `json:"savedAt"`
}

// Snapshotter exports and imports full-state snapshots.
type Snapshotter struct {
	manager *Manager
	db      *store.DB
	logger  *log.Logger
}

// NewSnapshotter creates a Snapshotter. logger may be nil.
func NewSnapshotter(manager *Manager, db *store.DB, logger *log.Logger) *Snapshotter {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Snapshotter{manager: manager, db: db, logger: logger}
}

// Export bundles the current subscriptions, collections, and read-entry
// ids into snapshot/latest.json, overwriting any previous snapshot. The
// file is written to a temp path and renamed so readers never see a
// partial document.
func (s *Snapshotter) Export(ctx context.Context) error {
	repo, err := s.manager.RepoPath(ctx)
	if err != nil {
		return err
	}
	if repo == "" {
		return errors.New("sync repository not configured")
	}

	deviceID, err := s.manager.DeviceID(ctx)
	if err != nil {
		return err
	}
	clock, err := s.manager.Clock(ctx)
	if err != nil {
		return err
	}

	subs, err := s.db.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("failed to read subscriptions: %w", err)
	}
	cols, err := s.db.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to read collections: %w", err)
	}
	readIDs, err := s.db.ReadEntryIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to read entry flags: %w", err)
	}

	snap := Snapshot{
		DeviceID:      deviceID,
		Timestamp:     time.Now().UTC(),
		LogicalClock:  clock,
		Subscriptions: make([]snapshotSubscription, 0, len(subs)),
		Collections:   make([]snapshotCollection, 0, len(cols)),
		ReadEntries:   readIDs,
	}
	for _, sub := range subs {
		snap.Subscriptions = append(snap.Subscriptions, snapshotSubscription{
			FeedID:   sub.FeedID,
			FeedURL:  sub.FeedURL,
			Title:    sub.Title,
			SiteURL:  sub.SiteURL,
			Category: sub.Category,
		})
	}
	for _, c := range cols {
		snap.Collections = append(snap.Collections, snapshotCollection{
			EntryID:  c.EntryID,
			FeedID:   c.FeedID,
			Title:    c.Title,
			EntryURL: c.EntryURL,
			SavedAt:  c.SavedAt,
		})
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	dir := filepath.Join(repo, "snapshot")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "latest.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	s.logger.Printf("wrote snapshot: %d subscriptions, %d collections, %d read entries",
		len(snap.Subscriptions), len(snap.Collections), len(snap.ReadEntries))
	return nil
}

// Import seeds this device from snapshot/latest.json. A missing snapshot
// is a no-op. A device whose logical clock has already advanced gets
// ErrDeviceHasHistory instead of having its state clobbered.
func (s *Snapshotter) Import(ctx context.Context) error {
	repo, err := s.manager.RepoPath(ctx)
	if err != nil {
		return err
	}
	if repo == "" {
		return errors.New("sync repository not configured")
	}

	data, err := os.ReadFile(filepath.Join(repo, "snapshot", "latest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	clock, err := s.manager.Clock(ctx)
	if err != nil {
		return err
	}
	if clock > 0 {
		return ErrDeviceHasHistory
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("malformed snapshot: %w", err)
	}

	for _, sub := range snap.Subscriptions {
		err := s.db.UpsertSubscription(ctx, &store.Subscription{
			FeedID:   sub.FeedID,
			FeedURL:  sub.FeedURL,
			Title:    sub.Title,
			SiteURL:  sub.SiteURL,
			Category: sub.Category,
		})
		if err != nil {
			return fmt.Errorf("failed to import subscription %s: %w", sub.FeedID, err)
		}
	}
	for _, c := range snap.Collections {
		err := s.db.UpsertCollection(ctx, &store.Collection{
			EntryID:  c.EntryID,
			FeedID:   c.FeedID,
			Title:    c.Title,
			EntryURL: c.EntryURL,
			SavedAt:  c.SavedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to import collection %s: %w", c.EntryID, err)
		}
	}
	if err := s.db.MarkEntriesRead(ctx, snap.ReadEntries); err != nil {
		return fmt.Errorf("failed to import read flags: %w", err)
	}

	s.logger.Printf("imported snapshot from device %s: %d subscriptions, %d collections, %d read entries",
		snap.DeviceID, len(snap.Subscriptions), len(snap.Collections), len(snap.ReadEntries))
	return nil
}
