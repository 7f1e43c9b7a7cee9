package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/christopherjohns/guildsync/internal/message"
	"github.com/christopherjohns/guildsync/internal/reaction"
	"nhooyr.io/websocket"
)

func readNext(t *testing.T, conn *websocket.Conn) (id string, data map[string]json.RawMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var frame struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Payload struct {
			Data map[string]json.RawMessage `json:"data"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if frame.Type != "next" {
		t.Fatalf("expected next frame, got %s", raw)
	}
	return frame.ID, frame.Payload.Data
}

func TestHubSubscribeAndUnsubscribe(t *testing.T) {
	hub := NewHub(nil, nil)
	c := newClient(nil)

	if !hub.subscribe(c, "1", RoomTopic("room1")) {
		t.Fatal("first subscribe should succeed")
	}
	if hub.subscribe(c, "1", RoomTopic("room2")) {
		t.Fatal("duplicate id must be rejected")
	}
	if !hub.subscribe(c, "2", MessageTopic("m1")) {
		t.Fatal("second id should succeed")
	}
	if hub.SubscriberCount(RoomTopic("room1")) != 1 || hub.SubscriberCount(MessageTopic("m1")) != 1 {
		t.Fatal("expected one subscriber per topic")
	}

	hub.unsubscribe(c, "1")
	if hub.SubscriberCount(RoomTopic("room1")) != 0 {
		t.Fatal("expected room topic to be empty")
	}

	hub.removeClient(c)
	if hub.SubscriberCount(MessageTopic("m1")) != 0 {
		t.Fatal("expected removeClient to drop every subscription")
	}
}

func TestHubPublishMessage(t *testing.T) {
	hub := NewHub(nil, nil)
	client, wsConn := acceptedClient(t, "u1")
	hub.ConnMgr().Add(client)
	defer hub.ConnMgr().Remove(client)
	hub.subscribe(client, "sub-1", RoomTopic("room1"))

	n := hub.PublishMessage(&message.Message{
		ID:       "m1",
		RoomID:   "room1",
		SenderID: "u2",
		Text:     "hello",
		TS:       1700000000000,
		Type:     message.TypeMessage,
	})
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	id, data := readNext(t, wsConn)
	if id != "sub-1" {
		t.Fatalf("expected subscription id sub-1, got %q", id)
	}
	var got message.Message
	if err := json.Unmarshal(data["onMessage"], &got); err != nil {
		t.Fatalf("unmarshal onMessage: %v", err)
	}
	if got.ID != "m1" || got.Text != "hello" {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestHubPublishIsolation(t *testing.T) {
	hub := NewHub(nil, nil)
	a, connA := acceptedClient(t, "a")
	b, _ := acceptedClient(t, "b")
	hub.ConnMgr().Add(a)
	hub.ConnMgr().Add(b)
	defer hub.ConnMgr().Remove(a)
	defer hub.ConnMgr().Remove(b)

	hub.subscribe(a, "1", RoomTopic("room1"))
	hub.subscribe(b, "1", RoomTopic("room2"))

	if n := hub.PublishMessage(&message.Message{ID: "m1", RoomID: "room1"}); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if n := hub.Publish(RoomTopic("room3"), "onMessage", map[string]string{"id": "x"}); n != 0 {
		t.Fatalf("expected no deliveries for an empty topic, got %d", n)
	}
	readNext(t, connA)
}

func TestHubPublishReactionHasNoViewerFlag(t *testing.T) {
	hub := NewHub(nil, nil)
	client, wsConn := acceptedClient(t, "u1")
	hub.ConnMgr().Add(client)
	defer hub.ConnMgr().Remove(client)
	hub.subscribe(client, "r", MessageTopic("m1"))

	hub.PublishReaction(reaction.Update{MessageID: "m1", Shortcode: ":fire:", Unicode: "🔥", Count: 3})

	_, data := readNext(t, wsConn)
	var fields map[string]any
	if err := json.Unmarshal(data["onReaction"], &fields); err != nil {
		t.Fatalf("unmarshal onReaction: %v", err)
	}
	if fields["count"] != float64(3) {
		t.Fatalf("expected count 3, got %v", fields["count"])
	}
	if _, ok := fields["viewerHasReacted"]; ok {
		t.Fatal("reaction pushes must not carry a viewer flag")
	}
}
