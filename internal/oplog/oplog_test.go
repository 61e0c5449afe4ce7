package oplog

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/perch-reader/perch/internal/op"
)

// fakeIdentity hands out a fixed device id and sequential clock values.
type fakeIdentity struct {
	device string
	clock  int64
}

func (f *fakeIdentity) DeviceID(ctx context.Context) (string, error) { return f.device, nil }
func (f *fakeIdentity) NextClock(ctx context.Context) (int64, error) {
	f.clock++
	return f.clock, nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestRecordStampsIdentity(t *testing.T) {
	r := New(&fakeIdentity{device: "device-a"}, quietLogger())
	ctx := context.Background()

	o, err := r.Record(ctx, op.TypeEntryMarkRead, "entry-1", nil)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if o == nil {
		t.Fatal("Record returned nil operation")
	}
	if o.OpID == "" {
		t.Error("expected generated op id")
	}
	if o.DeviceID != "device-a" {
		t.Errorf("device id = %q, want device-a", o.DeviceID)
	}
	if o.LogicalClock != 1 {
		t.Errorf("clock = %d, want 1", o.LogicalClock)
	}
	if o.EntityType != op.EntityEntry {
		t.Errorf("entity type = %q, want entry", o.EntityType)
	}
}

func TestClockMonotonic(t *testing.T) {
	r := New(&fakeIdentity{device: "device-a"}, quietLogger())
	ctx := context.Background()

	var last int64
	for i := 0; i < 10; i++ {
		o, err := r.Record(ctx, op.TypeEntryMarkRead, "entry-1", nil)
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if o.LogicalClock <= last {
			t.Fatalf("clock went backwards: %d after %d", o.LogicalClock, last)
		}
		last = o.LogicalClock
	}
}

func TestRecordWithoutIdentityFailsSoft(t *testing.T) {
	r := New(nil, quietLogger())

	o, err := r.Record(context.Background(), op.TypeEntryMarkRead, "entry-1", nil)
	if err != nil {
		t.Fatalf("expected soft failure, got error: %v", err)
	}
	if o != nil {
		t.Error("expected dropped record")
	}
	if r.Len() != 0 {
		t.Errorf("buffer should be empty, has %d", r.Len())
	}
}

func TestPauseSuppressesRecording(t *testing.T) {
	r := New(&fakeIdentity{device: "device-a"}, quietLogger())
	ctx := context.Background()

	r.Pause()
	o, err := r.Record(ctx, op.TypeEntryMarkRead, "entry-1", nil)
	if err != nil || o != nil {
		t.Errorf("paused Record = %v, %v; want nil, nil", o, err)
	}

	r.Resume()
	o, err = r.Record(ctx, op.TypeEntryMarkRead, "entry-1", nil)
	if err != nil {
		t.Fatalf("Record after Resume failed: %v", err)
	}
	if o == nil {
		t.Error("expected recording to resume")
	}
}

func TestDrainFromClock(t *testing.T) {
	r := New(&fakeIdentity{device: "device-a"}, quietLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := r.Record(ctx, op.TypeEntryMarkRead, "entry-1", nil); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	drained := r.Drain(3)
	if len(drained) != 2 {
		t.Fatalf("drained %d ops, want 2", len(drained))
	}
	for _, o := range drained {
		if o.LogicalClock <= 3 {
			t.Errorf("drained op with clock %d, want > 3", o.LogicalClock)
		}
	}
	if r.Len() != 3 {
		t.Errorf("buffer has %d ops, want 3", r.Len())
	}

	rest := r.Drain(0)
	if len(rest) != 3 {
		t.Errorf("second drain got %d ops, want 3", len(rest))
	}
	if r.Len() != 0 {
		t.Errorf("buffer should be empty, has %d", r.Len())
	}
}

func TestRequeueRestoresOrder(t *testing.T) {
	r := New(&fakeIdentity{device: "device-a"}, quietLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Record(ctx, op.TypeEntryMarkRead, "entry-1", nil); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	drained := r.Drain(0)
	if _, err := r.Record(ctx, op.TypeEntryMarkUnread, "entry-2", nil); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	r.Requeue(drained)

	all := r.Drain(0)
	if len(all) != 4 {
		t.Fatalf("drained %d ops, want 4", len(all))
	}
	// Requeued ops come back ahead of anything recorded meanwhile.
	if all[0].LogicalClock != 1 {
		t.Errorf("first op clock = %d, want 1", all[0].LogicalClock)
	}
	if all[3].LogicalClock != 4 {
		t.Errorf("last op clock = %d, want 4", all[3].LogicalClock)
	}
}
