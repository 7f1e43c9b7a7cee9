package roomsync

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/christopherjohns/guildsync/internal/auth"
	"github.com/christopherjohns/guildsync/internal/connection"
	"github.com/christopherjohns/guildsync/internal/gql"
	"github.com/christopherjohns/guildsync/internal/message"
	"github.com/christopherjohns/guildsync/internal/reaction"
	"github.com/christopherjohns/guildsync/internal/room"
)

// API is the backend surface a Session uses. *gql.Client implements it.
type API interface {
	reaction.API

	SendMessage(ctx context.Context, in gql.SendInput) (message.Record, error)
	GetMessages(ctx context.Context, roomID, after string, limit int) (gql.Page, error)
	Room(ctx context.Context, roomID string) (room.Info, error)
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	Reactions(ctx context.Context, messageID string) ([]message.Reaction, error)
}

// Deps are the collaborators injected into a Session.
type Deps struct {
	API         API
	Subscriber  connection.Subscriber
	Feed        reaction.Feed
	Credentials auth.Provider
	Logger      *zap.Logger
	Metrics     *connection.Metrics
	Clock       connection.Clock
	Now         func() time.Time
}

// ClientDeps wires a gql client as every network collaborator.
func ClientDeps(c *gql.Client, creds auth.Provider, logger *zap.Logger) Deps {
	return Deps{
		API:         c,
		Subscriber:  MessageSubscriber{Client: c},
		Feed:        c,
		Credentials: creds,
		Logger:      logger,
	}
}

// MessageSubscriber adapts a gql client to connection.Subscriber.
type MessageSubscriber struct {
	Client *gql.Client
}

func (s MessageSubscriber) Subscribe(ctx context.Context, roomID string, h connection.Handler) (io.Closer, error) {
	sub, err := s.Client.SubscribeMessages(ctx, roomID, gql.Handler{
		Next:     h.Next,
		Error:    h.Error,
		Complete: h.Complete,
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
