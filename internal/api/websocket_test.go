package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	hub.Broadcast(Message{
		Type: MessageTypeOccupancy,
		Data: map[string]any{"zone_id": "door-1", "track_id": 7},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if msg.Type != MessageTypeOccupancy {
		t.Errorf("type = %s, want occupancy", msg.Type)
	}
	data, ok := msg.Data.(map[string]any)
	if !ok || data["zone_id"] != "door-1" {
		t.Errorf("data = %v", msg.Data)
	}
}

func TestHubBroadcastToStream(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	// New clients subscribe to everything by default.
	hub.BroadcastToStream("cam-1", Message{
		Type: MessageTypeDetection,
		Data: map[string]any{"stream_id": "cam-1"},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(payload), "cam-1") {
		t.Errorf("payload = %s", payload)
	}
}

func TestClientSubscriptions(t *testing.T) {
	c := &Client{
		send:          make(chan []byte, 1),
		subscriptions: map[string]bool{"*": true},
	}

	if !c.subscribedTo("cam-1") {
		t.Fatal("wildcard subscription should cover every stream")
	}

	unsub, _ := json.Marshal(Message{Type: MessageTypeUnsubscribe, Data: []any{"*"}})
	c.handleMessage(unsub)
	if c.subscribedTo("cam-1") {
		t.Error("still subscribed after removing the wildcard")
	}

	sub, _ := json.Marshal(Message{Type: MessageTypeSubscribe, Data: []any{"cam-2"}})
	c.handleMessage(sub)
	if !c.subscribedTo("cam-2") {
		t.Error("explicit subscription not honored")
	}
	if c.subscribedTo("cam-1") {
		t.Error("unrelated stream delivered to a targeted subscriber")
	}
}

func TestSubscriptionUpdatesDuringBroadcast(t *testing.T) {
	c := &Client{
		send:          make(chan []byte, 256),
		subscriptions: map[string]bool{"*": true},
	}
	sub, _ := json.Marshal(Message{Type: MessageTypeSubscribe, Data: []any{"cam-1"}})
	unsub, _ := json.Marshal(Message{Type: MessageTypeUnsubscribe, Data: []any{"cam-1"}})

	// Mutations and reads race; the race detector flags unguarded access.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			c.handleMessage(sub)
			c.handleMessage(unsub)
		}
	}()
	for i := 0; i < 500; i++ {
		c.subscribedTo("cam-1")
	}
	<-done
}

func TestHubPingPong(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	ping, _ := json.Marshal(Message{Type: MessageTypePing})
	if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if msg.Type != MessageTypePong {
		t.Errorf("type = %s, want pong", msg.Type)
	}
}
