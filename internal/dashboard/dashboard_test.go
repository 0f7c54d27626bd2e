package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/rc-construcoes/rcsync/internal/bus"
)

func newTestServer(t *testing.T, snapshot func(context.Context) (any, error)) *Server {
	t.Helper()
	server := NewServer(&Config{
		Addr:     "127.0.0.1:0",
		Snapshot: snapshot,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	// The upgrade response arrives before the server registers the client;
	// wait until it shows up.
	for i := 0; i < 100 && server.ClientCount() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := newTestServer(t, nil)
	if server.Addr() == "" {
		t.Fatal("server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestSnapshotOnConnect(t *testing.T) {
	server := newTestServer(t, func(context.Context) (any, error) {
		return map[string]any{"pendingChanges": 3}, nil
	})

	conn := dial(t, server)
	if count := server.ClientCount(); count != 1 {
		t.Errorf("ClientCount() = %d, want 1", count)
	}

	msg := readMessage(t, conn)
	if msg.Topic != "snapshot" {
		t.Fatalf("first message topic = %q, want snapshot", msg.Topic)
	}
	var snap struct {
		PendingChanges int `json:"pendingChanges"`
	}
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.PendingChanges != 3 {
		t.Errorf("pendingChanges = %d, want 3", snap.PendingChanges)
	}
}

func TestBroadcastReachesClient(t *testing.T) {
	server := newTestServer(t, nil)
	conn := dial(t, server)

	server.Broadcast(Message{
		Topic: bus.TopicSyncCompleted,
		Data:  json.RawMessage(`{"pushed":2,"pulled":5}`),
	})

	msg := readMessage(t, conn)
	if msg.Topic != bus.TopicSyncCompleted {
		t.Errorf("topic = %q, want %q", msg.Topic, bus.TopicSyncCompleted)
	}
	if msg.Timestamp.IsZero() {
		t.Error("broadcast message has no timestamp")
	}
}

func TestHandlerRelaysBusEvents(t *testing.T) {
	server := newTestServer(t, nil)
	conn := dial(t, server)

	b := bus.New()
	handler := NewHandler(server, log.New(io.Discard, "", 0))
	handler.Attach(b)
	defer handler.Detach()

	b.Publish(bus.TopicConflict, map[string]any{"entity": "clients", "localId": 7})

	msg := readMessage(t, conn)
	if msg.Topic != bus.TopicConflict {
		t.Fatalf("topic = %q, want %q", msg.Topic, bus.TopicConflict)
	}
	var data struct {
		Entity  string `json:"entity"`
		LocalID int64  `json:"localId"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Entity != "clients" || data.LocalID != 7 {
		t.Errorf("relayed data = %+v", data)
	}
}

func TestMultipleClients(t *testing.T) {
	server := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		dial(t, server)
	}
	for i := 0; i < 100 && server.ClientCount() < 3; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if count := server.ClientCount(); count != 3 {
		t.Errorf("ClientCount() = %d, want 3", count)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
}
