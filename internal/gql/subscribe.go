package gql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/guildsync/internal/reaction"
)

// Subprotocol is the websocket subprotocol spoken on /graphql/ws.
const Subprotocol = "graphql-transport-ws"

// graphql-transport-ws message types.
const (
	MsgConnectionInit = "connection_init"
	MsgConnectionAck  = "connection_ack"
	MsgPing           = "ping"
	MsgPong           = "pong"
	MsgSubscribe      = "subscribe"
	MsgNext           = "next"
	MsgError          = "error"
	MsgComplete       = "complete"
)

// Close codes used by the protocol.
const (
	CloseUnauthorized     websocket.StatusCode = 4401
	CloseInitTimeout      websocket.StatusCode = 4408
	CloseTooManyInits     websocket.StatusCode = 4429
	CloseSubscriberExists websocket.StatusCode = 4409
)

const (
	ackTimeout   = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// WireMessage is a graphql-transport-ws frame.
type WireMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrSubscriptionClosed is reported when the server goes away without
// completing the subscription.
var ErrSubscriptionClosed = errors.New("gql: subscription connection closed")

// Handler receives subscription events. Exactly one of Error or Complete
// is called, at most once, unless the subscription is closed locally.
type Handler struct {
	Next     func(data json.RawMessage)
	Error    func(err error)
	Complete func()
}

// Subscription is a live graphql-transport-ws subscription.
type Subscription struct {
	id     string
	conn   *websocket.Conn
	cancel context.CancelFunc
	logger *zap.Logger

	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

// ID returns the subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// Done is closed when the read loop exits.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close completes the subscription and closes its connection. Handler
// callbacks are not invoked after Close.
func (s *Subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	_ = writeFrame(ctx, s.conn, WireMessage{ID: s.id, Type: MsgComplete})
	cancel()
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.cancel()
	return err
}

// Subscribe opens a websocket, performs the connection_init handshake with
// the current credential and starts op. It returns once the server has
// acknowledged the connection.
func (c *Client) Subscribe(ctx context.Context, op Operation, h Handler) (*Subscription, error) {
	authz, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, c.wsURL(), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &APIError{Status: resp.StatusCode, Message: "subscription handshake rejected"}
		}
		return nil, fmt.Errorf("dial subscription: %w", err)
	}

	init := map[string]string{}
	if authz != "" {
		init["Authorization"] = authz
	}
	payload, _ := json.Marshal(init)
	if err := writeFrame(ctx, conn, WireMessage{Type: MsgConnectionInit, Payload: payload}); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("connection_init: %w", err)
	}
	if err := awaitAck(ctx, conn); err != nil {
		conn.Close(websocket.StatusProtocolError, "no ack")
		return nil, err
	}

	sub := &Subscription{
		id:     uuid.NewString(),
		conn:   conn,
		logger: c.logger,
		done:   make(chan struct{}),
	}
	opPayload, err := json.Marshal(op)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err := writeFrame(ctx, conn, WireMessage{ID: sub.id, Type: MsgSubscribe, Payload: opPayload}); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("subscribe %s: %w", op.OperationName, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel
	go sub.readLoop(readCtx, h)
	return sub, nil
}

func awaitAck(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	for {
		msg, err := readFrame(ctx, conn)
		if err != nil {
			if websocket.CloseStatus(err) == CloseUnauthorized {
				return &APIError{Status: http.StatusUnauthorized, Code: "UNAUTHENTICATED", Message: "connection_init rejected"}
			}
			return fmt.Errorf("await connection_ack: %w", err)
		}
		switch msg.Type {
		case MsgConnectionAck:
			return nil
		case MsgPing:
			if err := writeFrame(ctx, conn, WireMessage{Type: MsgPong}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("await connection_ack: unexpected %q", msg.Type)
		}
	}
}

func (s *Subscription) readLoop(ctx context.Context, h Handler) {
	defer close(s.done)
	for {
		msg, err := readFrame(ctx, s.conn)
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Debug("gql: subscription read failed", zap.String("id", s.id), zap.Error(err))
			s.fail(h, fmt.Errorf("%w: %v", ErrSubscriptionClosed, err))
			return
		}
		if s.closed.Load() {
			return
		}

		switch msg.Type {
		case MsgNext:
			if msg.ID != s.id {
				continue
			}
			var resp Response
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				s.logger.Warn("gql: undecodable next payload", zap.String("id", s.id), zap.Error(err))
				continue
			}
			if len(resp.Errors) > 0 {
				s.fail(h, graphQLError(resp.Errors))
				s.shutdown()
				return
			}
			if h.Next != nil {
				h.Next(resp.Data)
			}
		case MsgError:
			var errs []Error
			if err := json.Unmarshal(msg.Payload, &errs); err != nil || len(errs) == 0 {
				errs = []Error{{Message: "subscription error"}}
			}
			s.fail(h, graphQLError(errs))
			s.shutdown()
			return
		case MsgComplete:
			s.once.Do(func() {
				if h.Complete != nil {
					h.Complete()
				}
			})
			s.shutdown()
			return
		case MsgPing:
			if err := writeFrame(ctx, s.conn, WireMessage{Type: MsgPong}); err != nil {
				s.logger.Debug("gql: pong failed", zap.Error(err))
			}
		}
	}
}

func (s *Subscription) fail(h Handler, err error) {
	s.once.Do(func() {
		if h.Error != nil {
			h.Error(err)
		}
	})
}

// shutdown closes the connection after a server-side end of stream.
func (s *Subscription) shutdown() {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.Close(websocket.StatusNormalClosure, "")
		s.cancel()
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn) (WireMessage, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return WireMessage{}, err
	}
	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return WireMessage{}, fmt.Errorf("decode frame: %w", err)
	}
	return msg, nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg WireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) wsURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/graphql/ws"
}

// SubscribeMessages subscribes to OnMessage for roomID. Next receives the
// onMessage object.
func (c *Client) SubscribeMessages(ctx context.Context, roomID string, h Handler) (*Subscription, error) {
	op := Operation{
		OperationName: OpOnMessage,
		Query:         OnMessageQuery,
		Variables:     map[string]any{"roomId": roomID},
	}
	return c.Subscribe(ctx, op, unwrapHandler("onMessage", h))
}

// SubscribeReactions subscribes to onReaction for messageID.
func (c *Client) SubscribeReactions(ctx context.Context, messageID string, next func(json.RawMessage), fail func(error)) (reaction.Closer, error) {
	op := Operation{
		OperationName: OpOnReaction,
		Query:         OnReactionQuery,
		Variables:     map[string]any{"messageId": messageID},
	}
	h := Handler{
		Next:  next,
		Error: fail,
		Complete: func() {
			if fail != nil {
				fail(ErrSubscriptionClosed)
			}
		},
	}
	sub, err := c.Subscribe(ctx, op, unwrapHandler("onReaction", h))
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func unwrapHandler(field string, h Handler) Handler {
	next := h.Next
	h.Next = func(data json.RawMessage) {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return
		}
		inner, ok := wrapper[field]
		if !ok || string(inner) == "null" {
			return
		}
		if next != nil {
			next(inner)
		}
	}
	return h
}
