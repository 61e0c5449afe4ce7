package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/perch-reader/perch/internal/op"
	"github.com/perch-reader/perch/internal/store"
)

// pendingMaxAge is how long an orphaned operation may wait for its
// target before it is marked failed for good.
const pendingMaxAge = 90 * 24 * time.Hour

// DrainPending retries every due operation in the pending queue. Rows
// older than the maximum age are expired first. Per row: a parse
// failure is terminal (parsing will not change on retry); a still
// missing target reschedules the row; any other apply failure is
// terminal; success moves the row to applied and records the op in the
// ledger. One bad row never stops the rest of the batch.
func (a *Applier) DrainPending(ctx context.Context) error {
	now := time.Now()

	expired, err := a.db.ExpirePendingOps(ctx, now.Add(-pendingMaxAge))
	if err != nil {
		return fmt.Errorf("failed to expire pending ops: %w", err)
	}
	if expired > 0 {
		a.logger.Printf("expired %d pending operations past the %s window", expired, pendingMaxAge)
	}

	due, err := a.db.DuePendingOps(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to load due pending ops: %w", err)
	}

	for _, row := range due {
		a.retryPending(ctx, row, now)
	}
	return nil
}

func (a *Applier) retryPending(ctx context.Context, row *store.PendingOp, now time.Time) {
	o, err := op.Unmarshal([]byte(row.OpJSON))
	if err != nil {
		a.logger.Printf("warning: pending op %s is malformed, marking failed: %v", row.OpID, err)
		a.setPendingStatus(ctx, row.OpID, store.PendingStatusFailed, "malformed: "+err.Error())
		return
	}

	outcome, err := a.Apply(ctx, o)
	if err != nil {
		a.logger.Printf("pending op %s failed: %v", row.OpID, err)
		a.setPendingStatus(ctx, row.OpID, store.PendingStatusFailed, err.Error())
		return
	}

	switch outcome {
	case OutcomeOrphan:
		if err := a.db.ReschedulePendingOp(ctx, row.OpID, now.Add(orphanRetryDelay)); err != nil {
			a.logger.Printf("failed to reschedule pending op %s: %v", row.OpID, err)
		}
	default:
		a.setPendingStatus(ctx, row.OpID, store.PendingStatusApplied, "")
		if err := a.db.MarkOpApplied(ctx, row.OpID); err != nil {
			a.logger.Printf("failed to mark pending op %s applied: %v", row.OpID, err)
		}
	}
}

func (a *Applier) setPendingStatus(ctx context.Context, opID, status, lastError string) {
	if err := a.db.SetPendingStatus(ctx, opID, status, lastError); err != nil {
		a.logger.Printf("failed to update pending op %s: %v", opID, err)
	}
}
