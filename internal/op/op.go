// Package op defines the operation model for multi-device sync.
//
// An Operation is the unit exchanged between devices: an atomic, uniquely
// identified description of one state mutation. Operations are appended to
// per-device NDJSON log files inside the sync repository and replayed by
// other devices. Fields are flat and JSON-friendly with last-write-wins
// semantics per entity.
package op

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of mutation an operation describes.
type Type string

const (
	TypeEntryMarkRead      Type = "entry.mark_read"
	TypeEntryMarkUnread    Type = "entry.mark_unread"
	TypeCollectionAdd      Type = "collection.add"
	TypeCollectionRemove   Type = "collection.remove"
	TypeSubscriptionAdd    Type = "subscription.add"
	TypeSubscriptionUpdate Type = "subscription.update"
	TypeSubscriptionRemove Type = "subscription.remove"
	TypeSettingUpdate      Type = "setting.update"
)

// EntityType identifies the record an operation targets.
type EntityType string

const (
	EntityEntry        EntityType = "entry"
	EntityCollection   EntityType = "collection"
	EntitySubscription EntityType = "subscription"
	EntitySetting      EntityType = "setting"
)

// knownTypes maps every operation type to the entity kind it targets.
var knownTypes = map[Type]EntityType{
	TypeEntryMarkRead:      EntityEntry,
	TypeEntryMarkUnread:    EntityEntry,
	TypeCollectionAdd:      EntityCollection,
	TypeCollectionRemove:   EntityCollection,
	TypeSubscriptionAdd:    EntitySubscription,
	TypeSubscriptionUpdate: EntitySubscription,
	TypeSubscriptionRemove: EntitySubscription,
	TypeSettingUpdate:      EntitySetting,
}

// IsKnown reports whether t is a member of the closed operation type set.
// Unknown types are skipped during import, never treated as errors.
func (t Type) IsKnown() bool {
	_, ok := knownTypes[t]
	return ok
}

// Entity returns the entity kind a type targets, or "" for unknown types.
func (t Type) Entity() EntityType {
	return knownTypes[t]
}

// Operation is one recorded state mutation.
//
// OpID is globally unique and never reused; it keys the applied-op ledger.
// LogicalClock is strictly increasing per device and is used only to select
// not-yet-exported operations locally. It carries no cross-device order.
// Timestamp is informational and never used for conflict resolution.
type Operation struct {
	OpID         string          `json:"op_id"`
	DeviceID     string          `json:"device_id"`
	LogicalClock int64           `json:"logical_clock"`
	Timestamp    time.Time       `json:"timestamp"`
	Type         Type            `json:"type"`
	EntityType   EntityType      `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Validate checks identity fields. Payload requirements depend on the
// operation type and are enforced by the applier, not here.
func (o *Operation) Validate() error {
	if o.OpID == "" {
		return fmt.Errorf("op_id is required")
	}
	if o.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if o.LogicalClock <= 0 {
		return fmt.Errorf("logical_clock must be positive (got %d)", o.LogicalClock)
	}
	if o.Type == "" {
		return fmt.Errorf("type is required")
	}
	if o.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	return nil
}

// Marshal serializes the operation as a single JSON line (no trailing newline).
func (o *Operation) Marshal() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation %s: %w", o.OpID, err)
	}
	return data, nil
}

// Unmarshal parses one NDJSON line into an Operation.
func Unmarshal(line []byte) (*Operation, error) {
	var o Operation
	if err := json.Unmarshal(line, &o); err != nil {
		return nil, fmt.Errorf("failed to parse operation: %w", err)
	}
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("invalid operation: %w", err)
	}
	return &o, nil
}

// SubscriptionPayload carries the full subscription row for
// subscription.add and the patched fields for subscription.update.
// Pointer fields distinguish "absent" from "set to zero value" on update.
type SubscriptionPayload struct {
	FeedURL  *string `json:"feed_url,omitempty"`
	Title    *string `json:"title,omitempty"`
	SiteURL  *string `json:"site_url,omitempty"`
	Category *string `json:"category,omitempty"`
}

// CollectionPayload carries the saved-entry row for collection.add.
type CollectionPayload struct {
	EntryID  string    `json:"entry_id"`
	FeedID   string    `json:"feed_id,omitempty"`
	Title    string    `json:"title,omitempty"`
	EntryURL string    `json:"entry_url,omitempty"`
	SavedAt  time.Time `json:"saved_at,omitempty"`
}

// SettingPayload carries the new value for setting.update.
type SettingPayload struct {
	Value string `json:"value"`
}
