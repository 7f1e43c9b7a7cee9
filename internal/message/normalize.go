package message

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Record is a loosely-typed wire record as decoded from JSON.
type Record map[string]any

// nowFunc is replaced in tests.
var nowFunc = time.Now

var senderIDFields = []string{"senderId", "userId", "sender_id", "senderID"}

var timestampFields = []string{"ts", "timestamp", "createdAt"}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123,
	time.RFC1123Z,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// DecodeRecord decodes a JSON object into a Record, keeping numbers exact.
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Normalize converts a wire record into a canonical Message for roomID.
// It never fails: missing or malformed fields get safe defaults.
func Normalize(rec Record, roomID string) *Message {
	if rid := rec.str("roomId"); rid != "" {
		roomID = rid
	}
	m := &Message{
		ID:             rec.str("id"),
		RoomID:         roomID,
		SenderID:       UnknownSender,
		SenderNickname: rec.str("senderNickname"),
		Text:           rec.str("text"),
		TS:             coerceTimestamp(rec),
		Type:           coerceType(rec.str("type")),
		RoomType:       RoomTypeOf(roomID),
		ReplyToID:      rec.str("replyToId"),
	}
	if m.ID == "" {
		m.ID = rec.str("messageId")
	}
	if m.Text == "" {
		m.Text = rec.str("content")
	}
	for _, field := range senderIDFields {
		if v := rec.str(field); v != "" {
			m.SenderID = v
			break
		}
	}
	m.Reactions = coerceReactions(rec["reactions"])
	if raw, ok := rec["emojiMetadata"]; ok && raw != nil {
		if data, err := json.Marshal(raw); err == nil {
			m.EmojiMetadata = data
		}
	}
	return m
}

// NormalizeAll normalizes a batch of records, skipping records without an id.
func NormalizeAll(recs []Record, roomID string) []*Message {
	out := make([]*Message, 0, len(recs))
	for _, rec := range recs {
		m := Normalize(rec, roomID)
		if m.ID == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (r Record) str(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func coerceType(s string) Type {
	switch Type(s) {
	case TypeSystem, TypeBroadcast:
		return Type(s)
	default:
		return TypeMessage
	}
}

func coerceTimestamp(rec Record) int64 {
	for _, field := range timestampFields {
		v, ok := rec[field]
		if !ok || v == nil {
			continue
		}
		if ts, ok := parseTimestamp(v); ok {
			return ts
		}
		break
	}
	return nowFunc().UnixMilli()
}

func parseTimestamp(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return parseTimestamp(f)
		}
		return 0, false
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return parseTimestamp(f)
		}
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UnixMilli(), true
			}
		}
	}
	return 0, false
}

// coerceReactions returns nil when the field is absent or not a list, and
// a non-nil slice when the server sent one, even if nothing in it is valid.
func coerceReactions(v any) []Reaction {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Reaction, 0, len(items))
	for _, item := range items {
		var rec Record
		switch obj := item.(type) {
		case map[string]any:
			rec = obj
		case Record:
			rec = obj
		default:
			continue
		}
		r := Reaction{
			Shortcode: rec.str("shortcode"),
			Unicode:   rec.str("unicode"),
		}
		if n, ok := parseTimestamp(rec["count"]); ok {
			r.Count = int(n)
		}
		if b, ok := rec["viewerHasReacted"].(bool); ok {
			r.ViewerHasReacted = b
		}
		if r.Shortcode == "" || r.Count <= 0 {
			continue
		}
		out = append(out, r)
	}
	return out
}
