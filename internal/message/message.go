package message

import (
	"encoding/json"
	"strings"
)

// Type represents the kind of message.
type Type string

const (
	TypeMessage   Type = "message"
	TypeSystem    Type = "system"
	TypeBroadcast Type = "broadcast"
)

// RoomType distinguishes guild rooms from general rooms.
type RoomType string

const (
	RoomGeneral RoomType = "general"
	RoomGuild   RoomType = "guild"
)

// GuildRoomPrefix marks room ids that belong to a guild.
const GuildRoomPrefix = "GUILD#"

// UnknownSender is used when a wire record carries no sender id.
const UnknownSender = "UNKNOWN"

// FallbackReplyText is shown when the replied-to message is not loaded.
const FallbackReplyText = "Original message unavailable"

// RoomTypeOf derives the room type from the id's structural prefix.
func RoomTypeOf(roomID string) RoomType {
	if strings.HasPrefix(roomID, GuildRoomPrefix) {
		return RoomGuild
	}
	return RoomGeneral
}

// ReplyContext is the preview of the message being replied to.
type ReplyContext struct {
	ID             string `json:"id"`
	Text           string `json:"text"`
	SenderID       string `json:"senderId,omitempty"`
	SenderNickname string `json:"senderNickname,omitempty"`
	IsFallback     bool   `json:"isFallback,omitempty"`
}

// Reaction is the aggregated state of one emoji on a message.
type Reaction struct {
	Shortcode        string `json:"shortcode"`
	Unicode          string `json:"unicode"`
	Count            int    `json:"count"`
	ViewerHasReacted bool   `json:"viewerHasReacted"`
}

// Message is the canonical shape of a chat message.
type Message struct {
	ID             string          `json:"id"`
	RoomID         string          `json:"roomId"`
	SenderID       string          `json:"senderId"`
	SenderNickname string          `json:"senderNickname,omitempty"`
	Text           string          `json:"text"`
	TS             int64           `json:"ts"`
	Type           Type            `json:"type"`
	RoomType       RoomType        `json:"roomType"`
	ReplyToID      string          `json:"replyToId,omitempty"`
	ReplyTo        *ReplyContext   `json:"replyTo"`
	Reactions      []Reaction      `json:"reactions,omitempty"`
	EmojiMetadata  json.RawMessage `json:"emojiMetadata,omitempty"`
}

// clone returns a shallow copy with its own reaction slice.
func (m *Message) clone() *Message {
	c := *m
	c.Reactions = CloneReactions(m.Reactions)
	return &c
}

// CloneReactions returns an independent copy of a reaction slice. Nil and
// empty stay distinct.
func CloneReactions(rs []Reaction) []Reaction {
	if rs == nil {
		return nil
	}
	out := make([]Reaction, len(rs))
	copy(out, rs)
	return out
}
