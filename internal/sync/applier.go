package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/perch-reader/perch/internal/op"
	"github.com/perch-reader/perch/internal/oplog"
	"github.com/perch-reader/perch/internal/store"
)

// Outcome classifies the result of applying a remote operation. The
// orphan case is a normal result, not an error: the caller routes it
// into the pending queue instead of failing the batch.
type Outcome int

const (
	// OutcomeApplied means the mutation was materialized into the store.
	OutcomeApplied Outcome = iota
	// OutcomeOrphan means the target entity does not exist locally yet.
	OutcomeOrphan
	// OutcomeSkipped means the operation was intentionally not applied,
	// such as an unknown type from a newer client.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeOrphan:
		return "orphan"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Notifier receives live updates for any attached UI surface. Optional;
// a nil Notifier drops the pushes.
type Notifier interface {
	SettingUpdated(key, value string)
	SyncCompleted()
}

// Applier translates operations into store mutations and maintains the
// applied-op ledger and pending queue.
type Applier struct {
	db       *store.DB
	recorder *oplog.Recorder // paused during apply so remote ops are not re-logged
	notifier Notifier
	logger   *log.Logger
}

// NewApplier creates an Applier. recorder and notifier may be nil;
// logger may be nil.
func NewApplier(db *store.DB, recorder *oplog.Recorder, notifier Notifier, logger *log.Logger) *Applier {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Applier{db: db, recorder: recorder, notifier: notifier, logger: logger}
}

// Apply materializes one remote operation into the local store. The
// returned error is reserved for real failures; a missing target is
// reported as OutcomeOrphan with a nil error.
func (a *Applier) Apply(ctx context.Context, o *op.Operation) (Outcome, error) {
	if a.recorder != nil {
		a.recorder.Pause()
		defer a.recorder.Resume()
	}

	switch o.Type {
	case op.TypeEntryMarkRead:
		return a.setEntryRead(ctx, o.EntityID, true)
	case op.TypeEntryMarkUnread:
		return a.setEntryRead(ctx, o.EntityID, false)
	case op.TypeCollectionAdd:
		return a.addCollection(ctx, o)
	case op.TypeCollectionRemove:
		if err := a.db.DeleteCollection(ctx, o.EntityID); err != nil {
			return OutcomeApplied, fmt.Errorf("failed to remove collection %s: %w", o.EntityID, err)
		}
		return OutcomeApplied, nil
	case op.TypeSubscriptionAdd:
		return a.addSubscription(ctx, o)
	case op.TypeSubscriptionUpdate:
		return a.updateSubscription(ctx, o)
	case op.TypeSubscriptionRemove:
		if err := a.db.DeleteSubscription(ctx, o.EntityID); err != nil {
			return OutcomeApplied, fmt.Errorf("failed to remove subscription %s: %w", o.EntityID, err)
		}
		return OutcomeApplied, nil
	case op.TypeSettingUpdate:
		return a.updateSetting(ctx, o)
	default:
		a.logger.Printf("skipping unknown operation type %q (op %s)", o.Type, o.OpID)
		return OutcomeSkipped, nil
	}
}

func (a *Applier) setEntryRead(ctx context.Context, entryID string, read bool) (Outcome, error) {
	err := a.db.SetEntryRead(ctx, entryID, read)
	if errors.Is(err, sql.ErrNoRows) {
		return OutcomeOrphan, nil
	}
	if err != nil {
		return OutcomeApplied, fmt.Errorf("failed to set read flag on %s: %w", entryID, err)
	}
	return OutcomeApplied, nil
}

func (a *Applier) addCollection(ctx context.Context, o *op.Operation) (Outcome, error) {
	exists, err := a.db.EntryExists(ctx, o.EntityID)
	if err != nil {
		return OutcomeApplied, fmt.Errorf("failed to check entry %s: %w", o.EntityID, err)
	}
	if !exists {
		return OutcomeOrphan, nil
	}

	var payload op.CollectionPayload
	if err := json.Unmarshal(o.Payload, &payload); err != nil {
		// Parsing will not change on retry.
		a.logger.Printf("warning: skipping op %s with bad collection payload: %v", o.OpID, err)
		return OutcomeSkipped, nil
	}
	c := &store.Collection{
		EntryID:  o.EntityID,
		FeedID:   payload.FeedID,
		Title:    payload.Title,
		EntryURL: payload.EntryURL,
		SavedAt:  payload.SavedAt,
	}
	if c.SavedAt.IsZero() {
		c.SavedAt = o.Timestamp
	}
	if err := a.db.UpsertCollection(ctx, c); err != nil {
		return OutcomeApplied, fmt.Errorf("failed to save collection %s: %w", o.EntityID, err)
	}
	return OutcomeApplied, nil
}

func (a *Applier) addSubscription(ctx context.Context, o *op.Operation) (Outcome, error) {
	var payload op.SubscriptionPayload
	if err := json.Unmarshal(o.Payload, &payload); err != nil {
		a.logger.Printf("warning: skipping op %s with bad subscription payload: %v", o.OpID, err)
		return OutcomeSkipped, nil
	}
	s := &store.Subscription{FeedID: o.EntityID}
	if payload.FeedURL != nil {
		s.FeedURL = *payload.FeedURL
	}
	if payload.Title != nil {
		s.Title = *payload.Title
	}
	if payload.SiteURL != nil {
		s.SiteURL = *payload.SiteURL
	}
	if payload.Category != nil {
		s.Category = *payload.Category
	}
	if err := a.db.UpsertSubscription(ctx, s); err != nil {
		return OutcomeApplied, fmt.Errorf("failed to save subscription %s: %w", o.EntityID, err)
	}
	return OutcomeApplied, nil
}

func (a *Applier) updateSubscription(ctx context.Context, o *op.Operation) (Outcome, error) {
	var payload op.SubscriptionPayload
	if err := json.Unmarshal(o.Payload, &payload); err != nil {
		a.logger.Printf("warning: skipping op %s with bad subscription payload: %v", o.OpID, err)
		return OutcomeSkipped, nil
	}
	patch := store.SubscriptionPatch{
		FeedURL:  payload.FeedURL,
		Title:    payload.Title,
		SiteURL:  payload.SiteURL,
		Category: payload.Category,
	}
	err := a.db.PatchSubscription(ctx, o.EntityID, patch)
	if errors.Is(err, sql.ErrNoRows) {
		return OutcomeOrphan, nil
	}
	if err != nil {
		return OutcomeApplied, fmt.Errorf("failed to patch subscription %s: %w", o.EntityID, err)
	}
	return OutcomeApplied, nil
}

func (a *Applier) updateSetting(ctx context.Context, o *op.Operation) (Outcome, error) {
	var payload op.SettingPayload
	if err := json.Unmarshal(o.Payload, &payload); err != nil {
		a.logger.Printf("warning: skipping op %s with bad setting payload: %v", o.OpID, err)
		return OutcomeSkipped, nil
	}
	// Persist first so the setting survives even without an open UI.
	if err := a.db.SetSetting(ctx, o.EntityID, payload.Value); err != nil {
		return OutcomeApplied, fmt.Errorf("failed to save setting %s: %w", o.EntityID, err)
	}
	if a.notifier != nil {
		a.notifier.SettingUpdated(o.EntityID, payload.Value)
	}
	return OutcomeApplied, nil
}

// IsApplied reports whether the op id is in the applied ledger.
func (a *Applier) IsApplied(ctx context.Context, opID string) (bool, error) {
	return a.db.IsOpApplied(ctx, opID)
}

// MarkApplied records the op id in the applied ledger.
func (a *Applier) MarkApplied(ctx context.Context, opID string) error {
	return a.db.MarkOpApplied(ctx, opID)
}

// SavePending stores an orphaned operation for later retry.
func (a *Applier) SavePending(ctx context.Context, o *op.Operation, retryAfter time.Time) error {
	raw, err := o.Marshal()
	if err != nil {
		return err
	}
	return a.db.SavePendingOp(ctx, o.OpID, string(raw), retryAfter)
}
