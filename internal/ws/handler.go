package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/guildsync/internal/auth"
	"github.com/christopherjohns/guildsync/internal/gql"
)

// initTimeout bounds how long a client may take to send connection_init.
const initTimeout = 10 * time.Second

// closeBadRequest is sent for frames that violate the protocol.
const closeBadRequest websocket.StatusCode = 4400

// Authenticator validates the bearer token presented in connection_init.
type Authenticator interface {
	Validate(token string) (*auth.Session, error)
}

// RoomValidator checks whether a room id may be subscribed to. It returns
// an empty string on success or a reason on failure.
type RoomValidator func(roomID string) string

// Handler upgrades requests on /graphql/ws and runs the protocol loop for
// each client.
type Handler struct {
	hub          *Hub
	auth         Authenticator
	validateRoom RoomValidator
	logger       *zap.Logger
}

// NewHandler creates a websocket Handler. validateRoom may be nil.
func NewHandler(hub *Hub, authn Authenticator, validateRoom RoomValidator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:          hub,
		auth:         authn,
		validateRoom: validateRoom,
		logger:       logger,
	}
}

// ServeHTTP accepts the upgrade, authenticates connection_init and serves
// subscribe and complete frames until the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{gql.Subprotocol},
		InsecureSkipVerify: true, // Allow all origins for the development backend.
	})
	if err != nil {
		h.logger.Debug("ws: accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if conn.Subprotocol() != gql.Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "client must speak "+gql.Subprotocol)
		return
	}

	client := newClient(conn)
	if !h.handleInit(r.Context(), client) {
		return
	}

	connCtx := h.hub.conns.Add(client)
	defer func() {
		h.hub.removeClient(client)
		h.hub.conns.Remove(client)
	}()
	h.send(client, gql.WireMessage{Type: gql.MsgConnectionAck})

	h.readLoop(r.Context(), connCtx, client)
}

// handleInit reads the first frame, which must be connection_init carrying
// a valid bearer token.
func (h *Handler) handleInit(ctx context.Context, c *Client) bool {
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	msg, err := readFrame(initCtx, c.conn)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.conn.Close(gql.CloseInitTimeout, "Connection initialisation timeout")
		}
		return false
	}
	if msg.Type != gql.MsgConnectionInit {
		c.conn.Close(closeBadRequest, "first message must be connection_init")
		return false
	}

	var payload struct {
		Authorization string `json:"Authorization"`
	}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.conn.Close(closeBadRequest, "invalid connection_init payload")
			return false
		}
	}
	token := strings.TrimSpace(strings.TrimPrefix(payload.Authorization, "Bearer "))
	if token == "" || h.auth == nil {
		c.conn.Close(gql.CloseUnauthorized, "Unauthorized")
		return false
	}
	sess, err := h.auth.Validate(token)
	if err != nil {
		h.logger.Debug("ws: connection_init rejected", zap.Error(err))
		c.conn.Close(gql.CloseUnauthorized, "Unauthorized")
		return false
	}
	c.userID = sess.UserID
	c.nickname = sess.Nickname
	return true
}

// readLoop handles frames until the connection closes or connCtx is
// cancelled by the connection manager.
func (h *Handler) readLoop(ctx, connCtx context.Context, c *Client) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		msg, err := readFrame(ctx, c.conn)
		if err != nil {
			return
		}
		h.hub.conns.TouchActivity(c)

		switch msg.Type {
		case gql.MsgPing:
			h.send(c, gql.WireMessage{Type: gql.MsgPong})
		case gql.MsgPong:
		case gql.MsgConnectionInit:
			c.conn.Close(gql.CloseTooManyInits, "Too many initialisation requests")
			return
		case gql.MsgSubscribe:
			if msg.ID == "" {
				c.conn.Close(closeBadRequest, "subscribe requires an id")
				return
			}
			var op gql.Operation
			if err := json.Unmarshal(msg.Payload, &op); err != nil {
				h.sendError(c, msg.ID, "invalid subscribe payload")
				continue
			}
			topic, err := h.resolveTopic(op)
			if err != nil {
				h.sendError(c, msg.ID, err.Error())
				continue
			}
			if !h.hub.subscribe(c, msg.ID, topic) {
				c.conn.Close(gql.CloseSubscriberExists, "Subscriber for "+msg.ID+" already exists")
				return
			}
			h.logger.Debug("ws: subscribed", zap.String("user", c.userID), zap.String("topic", topic))
		case gql.MsgComplete:
			h.hub.unsubscribe(c, msg.ID)
		default:
			c.conn.Close(closeBadRequest, "unexpected message type "+msg.Type)
			return
		}
	}
}

// resolveTopic maps a subscription operation to its topic, dispatching on
// the operation name and falling back to the selected field.
func (h *Handler) resolveTopic(op gql.Operation) (string, error) {
	name := op.OperationName
	if name == "" {
		switch {
		case strings.Contains(op.Query, "onMessage"):
			name = gql.OpOnMessage
		case strings.Contains(op.Query, "onReaction"):
			name = gql.OpOnReaction
		}
	}
	switch name {
	case gql.OpOnMessage:
		roomID := stringVar(op.Variables, "roomId")
		if roomID == "" {
			return "", errors.New("roomId is required")
		}
		if h.validateRoom != nil {
			if reason := h.validateRoom(roomID); reason != "" {
				return "", errors.New(reason)
			}
		}
		return RoomTopic(roomID), nil
	case gql.OpOnReaction:
		messageID := stringVar(op.Variables, "messageId")
		if messageID == "" {
			return "", errors.New("messageId is required")
		}
		return MessageTopic(messageID), nil
	default:
		return "", fmt.Errorf("unknown subscription %q", op.OperationName)
	}
}

func stringVar(vars map[string]any, key string) string {
	s, _ := vars[key].(string)
	return strings.TrimSpace(s)
}

func (h *Handler) send(c *Client, msg gql.WireMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws: marshal frame", zap.Error(err))
		return
	}
	h.hub.conns.Send(c, data)
}

// sendError reports a failed subscribe. The subscription id is not
// registered, so no complete follows.
func (h *Handler) sendError(c *Client, id, reason string) {
	payload, err := json.Marshal([]gql.Error{{Message: reason}})
	if err != nil {
		return
	}
	h.send(c, gql.WireMessage{ID: id, Type: gql.MsgError, Payload: payload})
}

func readFrame(ctx context.Context, conn *websocket.Conn) (gql.WireMessage, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return gql.WireMessage{}, err
	}
	var msg gql.WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return gql.WireMessage{}, fmt.Errorf("decode frame: %w", err)
	}
	return msg, nil
}
