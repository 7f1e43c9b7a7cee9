package message

import (
	"encoding/json"
	"testing"
	"time"
)

func withFixedNow(t *testing.T, now time.Time) {
	t.Helper()
	prev := nowFunc
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = prev })
}

func TestNormalizeNumericTimestamp(t *testing.T) {
	m := Normalize(Record{"id": "m1", "ts": float64(1700000000123)}, "room1")
	if m.TS != 1700000000123 {
		t.Errorf("expected ts 1700000000123, got %d", m.TS)
	}
}

func TestNormalizeNumericStringTimestamp(t *testing.T) {
	m := Normalize(Record{"id": "m1", "ts": "1700000000123"}, "room1")
	if m.TS != 1700000000123 {
		t.Errorf("expected ts 1700000000123, got %d", m.TS)
	}
}

func TestNormalizeDateStringTimestamp(t *testing.T) {
	m := Normalize(Record{"id": "m1", "ts": "2024-03-01T12:00:00Z"}, "room1")
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	if m.TS != want {
		t.Errorf("expected ts %d, got %d", want, m.TS)
	}
}

func TestNormalizeMalformedTimestampFallsBackToNow(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	withFixedNow(t, now)

	for _, v := range []any{"not a date", true, map[string]any{}} {
		m := Normalize(Record{"id": "m1", "ts": v}, "room1")
		if m.TS != now.UnixMilli() {
			t.Errorf("ts %v: expected now %d, got %d", v, now.UnixMilli(), m.TS)
		}
	}

	m := Normalize(Record{"id": "m1"}, "room1")
	if m.TS != now.UnixMilli() {
		t.Errorf("missing ts: expected now %d, got %d", now.UnixMilli(), m.TS)
	}
}

func TestNormalizeSenderIDVariants(t *testing.T) {
	for _, field := range []string{"senderId", "userId", "sender_id", "senderID"} {
		m := Normalize(Record{"id": "m1", field: "u42"}, "room1")
		if m.SenderID != "u42" {
			t.Errorf("field %s: expected sender u42, got %q", field, m.SenderID)
		}
	}

	m := Normalize(Record{"id": "m1"}, "room1")
	if m.SenderID != UnknownSender {
		t.Errorf("expected sender %q, got %q", UnknownSender, m.SenderID)
	}
}

func TestNormalizeRoomTypeFromPrefix(t *testing.T) {
	if m := Normalize(Record{"id": "m1"}, "GUILD#abc"); m.RoomType != RoomGuild {
		t.Errorf("expected guild room, got %q", m.RoomType)
	}
	if m := Normalize(Record{"id": "m1", "roomType": "guild"}, "lobby"); m.RoomType != RoomGeneral {
		t.Errorf("expected payload roomType to be ignored, got %q", m.RoomType)
	}
}

func TestNormalizeAlwaysHasNullReplyTo(t *testing.T) {
	m := Normalize(Record{"id": "m1", "text": "hi"}, "room1")
	if m.ReplyTo != nil {
		t.Fatalf("expected nil replyTo, got %+v", m.ReplyTo)
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, ok := out["replyTo"]
	if !ok {
		t.Fatal("expected replyTo key to be present")
	}
	if v != nil {
		t.Errorf("expected replyTo null, got %v", v)
	}
}

func TestNormalizeTypeAndReactions(t *testing.T) {
	rec, err := DecodeRecord([]byte(`{
		"id": "m1",
		"type": "system",
		"reactions": [
			{"shortcode": ":fire:", "unicode": "🔥", "count": 2, "viewerHasReacted": true},
			{"shortcode": ":zero:", "unicode": "0", "count": 0},
			{"unicode": "x", "count": 1}
		],
		"emojiMetadata": {"set": "default"}
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	m := Normalize(rec, "room1")
	if m.Type != TypeSystem {
		t.Errorf("expected type system, got %q", m.Type)
	}
	if len(m.Reactions) != 1 {
		t.Fatalf("expected 1 valid reaction, got %+v", m.Reactions)
	}
	r := m.Reactions[0]
	if r.Shortcode != ":fire:" || r.Count != 2 || !r.ViewerHasReacted {
		t.Errorf("unexpected reaction %+v", r)
	}
	if string(m.EmojiMetadata) != `{"set":"default"}` {
		t.Errorf("unexpected emoji metadata %s", m.EmojiMetadata)
	}

	if m := Normalize(Record{"id": "m2", "type": "bogus"}, "room1"); m.Type != TypeMessage {
		t.Errorf("expected unknown type to become message, got %q", m.Type)
	}
}

func TestNormalizeAllSkipsRecordsWithoutID(t *testing.T) {
	msgs := NormalizeAll([]Record{{"id": "a"}, {"text": "orphan"}, {"messageId": "b"}}, "room1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "a" || msgs[1].ID != "b" {
		t.Errorf("expected IDs [a, b], got [%s, %s]", msgs[0].ID, msgs[1].ID)
	}
}

func TestNormalizeDistinguishesAbsentAndEmptyReactions(t *testing.T) {
	if m := Normalize(Record{"id": "m1"}, "room1"); m.Reactions != nil {
		t.Errorf("expected nil reactions when the field is absent, got %+v", m.Reactions)
	}
	m := Normalize(Record{"id": "m1", "reactions": []any{}}, "room1")
	if m.Reactions == nil || len(m.Reactions) != 0 {
		t.Errorf("expected empty non-nil reactions, got %#v", m.Reactions)
	}
}
