package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/christopherjohns/guildsync/internal/gql"
	"github.com/christopherjohns/guildsync/internal/message"
)

const maxPageSize = 200

// handleGraphQL dispatches queries and mutations by operation name,
// falling back to the selected root field.
func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var op gql.Operation
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid GraphQL request")
		return
	}

	name := op.OperationName
	if name == "" {
		switch {
		case strings.Contains(op.Query, "sendMessage"):
			name = gql.OpSendMessage
		case strings.Contains(op.Query, "getMessages"):
			name = gql.OpGetMessages
		}
	}

	switch name {
	case gql.OpSendMessage:
		s.sendMessage(w, r, op.Variables)
	case gql.OpGetMessages:
		s.getMessages(w, r, op.Variables)
	default:
		writeGraphQLErrors(w, "BAD_REQUEST", "unknown operation "+op.OperationName)
	}
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, vars map[string]any) {
	sess := sessionFrom(r)
	roomID := stringVar(vars, "roomId")
	text := strings.TrimSpace(stringVar(vars, "text"))
	if roomID == "" || validRoomID(roomID) != "" {
		writeGraphQLErrors(w, "BAD_USER_INPUT", "roomId is required")
		return
	}
	if text == "" {
		writeGraphQLErrors(w, "BAD_USER_INPUT", "text is required")
		return
	}
	if int64(len(text)) > s.cfg.MaxMessageBytes.Int64() {
		writeGraphQLErrors(w, "BAD_USER_INPUT", "text exceeds "+s.cfg.MaxMessageBytes.String())
		return
	}
	if !utf8.ValidString(text) {
		writeGraphQLErrors(w, "BAD_USER_INPUT", "text must be valid UTF-8")
		return
	}

	if ok, retry := s.sendLimits.Allow(sess.UserID); !ok {
		s.metrics.rateLimited.WithLabelValues("send").Inc()
		w.Header().Set("Retry-After", retryAfterSeconds(retry))
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "sending too fast")
		return
	}

	nickname := stringVar(vars, "senderNickname")
	if nickname == "" {
		nickname = sess.Nickname
	}
	s.rooms.Ensure(roomID)
	msg := &message.Message{
		ID:             uuid.NewString(),
		RoomID:         roomID,
		SenderID:       sess.UserID,
		SenderNickname: nickname,
		Text:           text,
		TS:             time.Now().UnixMilli(),
		Type:           message.TypeMessage,
		RoomType:       message.RoomTypeOf(roomID),
		ReplyToID:      stringVar(vars, "replyToId"),
	}
	if err := s.messages.Append(r.Context(), msg); err != nil {
		s.logger.Error("server: failed to store message", zap.String("room", roomID), zap.Error(err))
		writeGraphQLErrors(w, "INTERNAL", "message could not be stored")
		return
	}
	s.metrics.messagesSent.Inc()
	delivered := s.hub.PublishMessage(msg)
	s.logger.Debug("server: message sent",
		zap.String("room", roomID),
		zap.String("id", msg.ID),
		zap.Int("delivered", delivered),
	)

	writeGraphQLData(w, map[string]any{"sendMessage": msg})
}

type messagePage struct {
	Items     []*message.Message `json:"items"`
	NextToken string             `json:"nextToken,omitempty"`
}

// getMessages returns the latest page, or the messages following after
// (or preceding before). A cursor the history no longer holds yields the
// latest page.
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request, vars map[string]any) {
	sess := sessionFrom(r)
	roomID := stringVar(vars, "roomId")
	if roomID == "" {
		writeGraphQLErrors(w, "BAD_USER_INPUT", "roomId is required")
		return
	}
	limit := intVar(vars, "limit")
	if limit <= 0 {
		limit = gql.DefaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	q := message.PageQuery{
		After:  stringVar(vars, "after"),
		Before: stringVar(vars, "before"),
		Limit:  limit,
	}
	hp, err := s.messages.Page(r.Context(), roomID, q)
	if err != nil {
		s.logger.Error("server: failed to read history", zap.String("room", roomID), zap.Error(err))
		writeGraphQLErrors(w, "INTERNAL", "history unavailable")
		return
	}
	if hp.Stale {
		s.logger.Debug("server: stale cursor, serving latest page",
			zap.String("room", roomID),
			zap.String("after", q.After),
			zap.String("before", q.Before),
		)
	}

	page := messagePage{
		Items:     make([]*message.Message, 0, len(hp.Items)),
		NextToken: hp.NextToken,
	}
	for _, m := range hp.Items {
		c := *m
		c.Reactions = s.reactions.List(m.ID, sess.UserID)
		page.Items = append(page.Items, &c)
	}
	writeGraphQLData(w, map[string]any{"getMessages": page})
}

func writeGraphQLData(w http.ResponseWriter, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, gql.Response{Data: raw})
}

func writeGraphQLErrors(w http.ResponseWriter, code, msg string) {
	writeJSON(w, http.StatusOK, gql.Response{Errors: []gql.Error{{
		Message:    msg,
		Extensions: map[string]any{"code": code},
	}}})
}

func stringVar(vars map[string]any, key string) string {
	s, _ := vars[key].(string)
	return strings.TrimSpace(s)
}

func intVar(vars map[string]any, key string) int {
	switch v := vars[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
