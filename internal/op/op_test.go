package op

import (
	"encoding/json"
	"testing"
	"time"
)

func validOp() *Operation {
	return &Operation{
		OpID:         "11111111-2222-3333-4444-555555555555",
		DeviceID:     "device-a",
		LogicalClock: 7,
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Type:         TypeEntryMarkRead,
		EntityType:   EntityEntry,
		EntityID:     "entry-42",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Operation)
		wantErr bool
	}{
		{"valid", func(o *Operation) {}, false},
		{"missing op id", func(o *Operation) { o.OpID = "" }, true},
		{"missing device id", func(o *Operation) { o.DeviceID = "" }, true},
		{"zero clock", func(o *Operation) { o.LogicalClock = 0 }, true},
		{"negative clock", func(o *Operation) { o.LogicalClock = -1 }, true},
		{"missing type", func(o *Operation) { o.Type = "" }, true},
		{"missing entity id", func(o *Operation) { o.EntityID = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOp()
			tt.mutate(o)
			err := o.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	o := validOp()
	payload, _ := json.Marshal(SettingPayload{Value: "dark"})
	o.Type = TypeSettingUpdate
	o.EntityType = EntitySetting
	o.EntityID = "theme"
	o.Payload = payload

	line, err := o.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := Unmarshal(line)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.OpID != o.OpID || got.Type != o.Type || got.EntityID != o.EntityID {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, o)
	}
	var sp SettingPayload
	if err := json.Unmarshal(got.Payload, &sp); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if sp.Value != "dark" {
		t.Errorf("payload value = %q, want %q", sp.Value, "dark")
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	if _, err := Unmarshal([]byte("{not json")); err == nil {
		t.Error("expected error for malformed line")
	}
	if _, err := Unmarshal([]byte(`{"op_id":""}`)); err == nil {
		t.Error("expected error for invalid operation")
	}
}

func TestTypeIsKnown(t *testing.T) {
	known := []Type{
		TypeEntryMarkRead, TypeEntryMarkUnread,
		TypeCollectionAdd, TypeCollectionRemove,
		TypeSubscriptionAdd, TypeSubscriptionUpdate, TypeSubscriptionRemove,
		TypeSettingUpdate,
	}
	for _, typ := range known {
		if !typ.IsKnown() {
			t.Errorf("%s should be known", typ)
		}
		if typ.Entity() == "" {
			t.Errorf("%s should map to an entity type", typ)
		}
	}
	if Type("entry.explode").IsKnown() {
		t.Error("unexpected type should not be known")
	}
}
