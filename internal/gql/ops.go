package gql

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/christopherjohns/guildsync/internal/message"
)

// Operation documents understood by the backend.
const (
	OnMessageQuery = `subscription OnMessage($roomId: ID!) {
  onMessage(roomId: $roomId) { id text roomId senderId senderNickname ts replyToId }
}`

	SendMessageQuery = `mutation SendMessage($roomId: ID!, $text: String!, $senderNickname: String, $replyToId: ID) {
  sendMessage(roomId: $roomId, text: $text, senderNickname: $senderNickname, replyToId: $replyToId) {
    id text roomId senderId senderNickname ts type replyToId
    reactions { shortcode unicode count viewerHasReacted }
    emojiMetadata
  }
}`

	GetMessagesQuery = `query GetMessages($roomId: ID!, $after: ID, $before: ID, $limit: Int) {
  getMessages(roomId: $roomId, after: $after, before: $before, limit: $limit) {
    items { id text roomId senderId senderNickname ts type replyToId reactions { shortcode unicode count viewerHasReacted } emojiMetadata }
    nextToken
  }
}`

	OnReactionQuery = `subscription OnReaction($messageId: ID!) {
  onReaction(messageId: $messageId) { messageId shortcode unicode count removed }
}`
)

// Operation names, used by the backend to dispatch.
const (
	OpOnMessage   = "OnMessage"
	OpSendMessage = "SendMessage"
	OpGetMessages = "GetMessages"
	OpOnReaction  = "OnReaction"
)

// DefaultPageSize is the number of messages fetched per page.
const DefaultPageSize = 50

// SendInput is the input of the SendMessage mutation.
type SendInput struct {
	RoomID         string
	Text           string
	SenderNickname string
	ReplyToID      string
}

// SendMessage posts a message and returns the server's canonical record.
func (c *Client) SendMessage(ctx context.Context, in SendInput) (message.Record, error) {
	vars := map[string]any{
		"roomId": in.RoomID,
		"text":   in.Text,
	}
	if in.SenderNickname != "" {
		vars["senderNickname"] = in.SenderNickname
	}
	if in.ReplyToID != "" {
		vars["replyToId"] = in.ReplyToID
	}

	var data struct {
		SendMessage json.RawMessage `json:"sendMessage"`
	}
	op := Operation{OperationName: OpSendMessage, Query: SendMessageQuery, Variables: vars}
	if err := c.Do(ctx, op, &data); err != nil {
		return nil, err
	}
	if len(data.SendMessage) == 0 || string(data.SendMessage) == "null" {
		return nil, fmt.Errorf("sendMessage returned no message")
	}
	return message.DecodeRecord(data.SendMessage)
}

// Page is one page of GetMessages results.
type Page struct {
	Items     []message.Record
	NextToken string
}

// GetMessages fetches up to limit messages of roomID newer than after. An
// empty after returns the latest page.
func (c *Client) GetMessages(ctx context.Context, roomID, after string, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	vars := map[string]any{"roomId": roomID, "limit": limit}
	if after != "" {
		vars["after"] = after
	}

	var data struct {
		GetMessages struct {
			Items     []json.RawMessage `json:"items"`
			NextToken string            `json:"nextToken"`
		} `json:"getMessages"`
	}
	op := Operation{OperationName: OpGetMessages, Query: GetMessagesQuery, Variables: vars}
	if err := c.Do(ctx, op, &data); err != nil {
		return Page{}, err
	}

	page := Page{NextToken: data.GetMessages.NextToken}
	for _, raw := range data.GetMessages.Items {
		rec, err := message.DecodeRecord(raw)
		if err != nil {
			c.logger.Debug("gql: skipping undecodable message")
			continue
		}
		page.Items = append(page.Items, rec)
	}
	return page, nil
}
