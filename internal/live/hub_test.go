package live

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startTestHub(t *testing.T) *Hub {
	t.Helper()

	hub := NewHub("127.0.0.1:0", log.New(io.Discard, "", 0))
	if err := hub.Start(); err != nil {
		t.Fatalf("failed to start hub: %v", err)
	}
	t.Cleanup(func() { _ = hub.Stop() })

	time.Sleep(50 * time.Millisecond)
	return hub
}

func TestHubStartStop(t *testing.T) {
	hub := NewHub("127.0.0.1:0", log.New(io.Discard, "", 0))
	if err := hub.Start(); err != nil {
		t.Fatalf("failed to start hub: %v", err)
	}
	if hub.Addr() == "" {
		t.Error("hub address is empty")
	}
	if err := hub.Stop(); err != nil {
		t.Fatalf("failed to stop hub: %v", err)
	}
}

func TestSettingUpdateBroadcast(t *testing.T) {
	hub := startTestHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+hub.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if count := hub.ClientCount(); count != 1 {
		t.Errorf("client count = %d, want 1", count)
	}

	hub.SettingUpdated("theme", "dark")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read broadcast: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeSettingUpdate {
		t.Errorf("message type = %s, want %s", msg.Type, MessageTypeSettingUpdate)
	}

	var payload SettingUpdateData
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload.Key != "theme" || payload.Value != "dark" {
		t.Errorf("payload = %+v, want theme=dark", payload)
	}
}

func TestSyncCompleteBroadcast(t *testing.T) {
	hub := startTestHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+hub.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hub.SyncCompleted()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read broadcast: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeSyncComplete {
		t.Errorf("message type = %s, want %s", msg.Type, MessageTypeSyncComplete)
	}
	if msg.Timestamp.IsZero() {
		t.Error("broadcast missing timestamp")
	}
}

func TestHealthEndpoint(t *testing.T) {
	hub := startTestHub(t)

	resp, err := http.Get("http://" + hub.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("health status = %q, want ok", body.Status)
	}
}
