// Package ws serves graphql-transport-ws subscriptions for the development
// backend. Clients subscribe to topics and the Hub fans published events
// out to every matching subscription.
package ws

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/christopherjohns/guildsync/internal/gql"
	"github.com/christopherjohns/guildsync/internal/message"
	"github.com/christopherjohns/guildsync/internal/reaction"
)

// RoomTopic is the topic carrying new messages for a room.
func RoomTopic(roomID string) string { return "room:" + roomID }

// MessageTopic is the topic carrying reaction counts for a message.
func MessageTopic(messageID string) string { return "message:" + messageID }

type subscriber struct {
	client *Client
	id     string
}

// Hub tracks subscriptions by topic.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[subscriber]struct{}
	conns  *ConnManager
	logger *zap.Logger
}

// NewHub creates a Hub whose clients are managed by conns. A nil conns
// gets a default manager.
func NewHub(conns *ConnManager, logger *zap.Logger) *Hub {
	if conns == nil {
		conns = NewConnManager(WithConnLogger(logger))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics: make(map[string]map[subscriber]struct{}),
		conns:  conns,
		logger: logger,
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// subscribe registers id on c for topic. It returns false when c already
// has a subscription with that id.
func (h *Hub) subscribe(c *Client, id, topic string) bool {
	c.mu.Lock()
	if _, dup := c.subs[id]; dup {
		c.mu.Unlock()
		return false
	}
	c.subs[id] = topic
	c.mu.Unlock()

	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[subscriber]struct{})
	}
	h.topics[topic][subscriber{client: c, id: id}] = struct{}{}
	h.mu.Unlock()
	return true
}

// unsubscribe drops subscription id from c.
func (h *Hub) unsubscribe(c *Client, id string) {
	c.mu.Lock()
	topic, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		h.drop(topic, subscriber{client: c, id: id})
	}
}

// removeClient drops every subscription c holds.
func (h *Hub) removeClient(c *Client) {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]string)
	c.mu.Unlock()
	for id, topic := range subs {
		h.drop(topic, subscriber{client: c, id: id})
	}
}

func (h *Hub) drop(topic string, s subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.topics[topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Publish sends data as a next frame to every subscription on topic,
// wrapped as {"data": {field: data}}. It returns the number of
// subscriptions the frame was queued for.
func (h *Hub) Publish(topic, field string, data any) int {
	inner, err := json.Marshal(map[string]any{field: data})
	if err != nil {
		h.logger.Error("ws: marshal event", zap.String("topic", topic), zap.Error(err))
		return 0
	}
	payload, err := json.Marshal(gql.Response{Data: inner})
	if err != nil {
		h.logger.Error("ws: marshal payload", zap.String("topic", topic), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]subscriber, 0, len(h.topics[topic]))
	for s := range h.topics[topic] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		frame, err := json.Marshal(gql.WireMessage{ID: s.id, Type: gql.MsgNext, Payload: payload})
		if err != nil {
			continue
		}
		if h.conns.Send(s.client, frame) {
			sent++
		}
	}
	return sent
}

// PublishMessage fans a new message out to the room's OnMessage
// subscribers.
func (h *Hub) PublishMessage(m *message.Message) int {
	return h.Publish(RoomTopic(m.RoomID), "onMessage", m)
}

// PublishReaction fans an aggregate count out to the message's OnReaction
// subscribers. The payload never carries a viewer flag.
func (h *Hub) PublishReaction(u reaction.Update) int {
	return h.Publish(MessageTopic(u.MessageID), "onReaction", u)
}

// SubscriberCount returns the number of subscriptions on topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
