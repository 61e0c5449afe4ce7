// Package oplog buffers local mutations until the exporter drains them.
package oplog

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perch-reader/perch/internal/op"
)

// Identity supplies the device stamp for recorded operations. The sync
// manager implements this; tests substitute fakes.
type Identity interface {
	DeviceID(ctx context.Context) (string, error)
	NextClock(ctx context.Context) (int64, error)
}

// Recorder is an append-only in-memory buffer of operations awaiting
// export. Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	identity Identity
	buffer   []*op.Operation
	paused   bool
	logger   *log.Logger
}

// New creates a Recorder. identity may be nil; recording then fails soft
// until SetIdentity is called (mutations made before sync is configured
// are dropped with a warning rather than crashing the caller).
func New(identity Identity, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(os.Stderr, "[oplog] ", log.LstdFlags)
	}
	return &Recorder{identity: identity, logger: logger}
}

// SetIdentity attaches the identity source after construction.
func (r *Recorder) SetIdentity(identity Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity = identity
}

// Record stamps the mutation with a fresh op id, the device id, and the
// next logical clock value, then buffers it. Returns the stamped
// operation, or nil when the record was dropped (paused, or no identity
// source yet).
func (r *Recorder) Record(ctx context.Context, typ op.Type, entityID string, payload []byte) (*op.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused {
		return nil, nil
	}
	if r.identity == nil {
		r.logger.Printf("warning: dropping %s for %s: sync not initialized", typ, entityID)
		return nil, nil
	}

	deviceID, err := r.identity.DeviceID(ctx)
	if err != nil {
		r.logger.Printf("warning: dropping %s for %s: %v", typ, entityID, err)
		return nil, nil
	}
	clock, err := r.identity.NextClock(ctx)
	if err != nil {
		return nil, err
	}

	o := &op.Operation{
		OpID:         uuid.New().String(),
		DeviceID:     deviceID,
		LogicalClock: clock,
		Timestamp:    time.Now().UTC(),
		Type:         typ,
		EntityType:   typ.Entity(),
		EntityID:     entityID,
		Payload:      payload,
	}
	r.buffer = append(r.buffer, o)
	return o, nil
}

// Drain removes and returns all buffered operations with a logical clock
// greater than fromClock. Pass 0 to drain everything.
func (r *Recorder) Drain(fromClock int64) []*op.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var drained, kept []*op.Operation
	for _, o := range r.buffer {
		if o.LogicalClock > fromClock {
			drained = append(drained, o)
		} else {
			kept = append(kept, o)
		}
	}
	r.buffer = kept
	return drained
}

// Requeue puts previously drained operations back at the front of the
// buffer. Used when an export write fails after the drain.
func (r *Recorder) Requeue(ops []*op.Operation) {
	if len(ops) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = append(append([]*op.Operation{}, ops...), r.buffer...)
}

// Pause suspends recording. Remote operations being applied locally must
// not be re-logged as new local operations.
func (r *Recorder) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
}

// Resume re-enables recording.
func (r *Recorder) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
}

// Len reports the number of buffered operations.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}
