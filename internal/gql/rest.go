package gql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/christopherjohns/guildsync/internal/auth"
	"github.com/christopherjohns/guildsync/internal/message"
	"github.com/christopherjohns/guildsync/internal/reaction"
	"github.com/christopherjohns/guildsync/internal/room"
)

// Room fetches and validates the room description.
func (c *Client) Room(ctx context.Context, roomID string) (room.Info, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID), nil, &raw, true); err != nil {
		return room.Info{}, err
	}
	return room.DecodeInfo(raw)
}

// JoinRoom signals the viewer's presence in roomID.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/join", nil, nil, true)
}

// LeaveRoom withdraws the viewer's presence from roomID.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/leave", nil, nil, true)
}

type reactionRequest struct {
	Shortcode string `json:"shortcode"`
	Unicode   string `json:"unicode"`
}

// AddReaction adds the viewer's reaction and returns the authoritative count.
func (c *Client) AddReaction(ctx context.Context, messageID, shortcode, unicode string) (reaction.Update, error) {
	var u reaction.Update
	path := "/api/messages/" + url.PathEscape(messageID) + "/reactions"
	if err := c.doJSON(ctx, http.MethodPost, path, reactionRequest{Shortcode: shortcode, Unicode: unicode}, &u, true); err != nil {
		return reaction.Update{}, err
	}
	return u, nil
}

// RemoveReaction removes the viewer's reaction and returns the
// authoritative count.
func (c *Client) RemoveReaction(ctx context.Context, messageID, shortcode, unicode string) (reaction.Update, error) {
	var u reaction.Update
	path := "/api/messages/" + url.PathEscape(messageID) + "/reactions/" + url.PathEscape(shortcode)
	if unicode != "" {
		path += "?" + url.Values{"unicode": {unicode}}.Encode()
	}
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, &u, true); err != nil {
		return reaction.Update{}, err
	}
	return u, nil
}

// Reactions lists the reactions on messageID from the viewer's perspective.
func (c *Client) Reactions(ctx context.Context, messageID string) ([]message.Reaction, error) {
	var resp struct {
		Reactions []message.Reaction `json:"reactions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(messageID)+"/reactions", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Reactions, nil
}

// TokenResponse is returned by the development backend's auth endpoints.
type TokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Nickname  string    `json:"nickname,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthToken converts the response into a credential.
func (r TokenResponse) AuthToken() auth.Token {
	return auth.Token{Value: r.Token, ExpiresAt: r.ExpiresAt}
}

// IssueToken asks the development backend for a new credential.
func (c *Client) IssueToken(ctx context.Context, nickname string) (TokenResponse, error) {
	var resp TokenResponse
	body := map[string]string{"nickname": nickname}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/token", body, &resp, false); err != nil {
		return TokenResponse{}, err
	}
	return resp, nil
}

// RefreshToken exchanges current for a fresh credential. It matches
// auth.RenewFunc.
func (c *Client) RefreshToken(ctx context.Context, current auth.Token) (auth.Token, error) {
	var resp TokenResponse
	body := map[string]string{"token": current.Value}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/refresh", body, &resp, false); err != nil {
		return auth.Token{}, err
	}
	return resp.AuthToken(), nil
}
