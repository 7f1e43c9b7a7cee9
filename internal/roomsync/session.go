// Package roomsync is the client-side view of one chat room: a working set
// of messages kept in step with the backend through a push subscription,
// polling fallback, optimistic reactions and a guarded send pipeline.
package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/christopherjohns/guildsync/internal/connection"
	"github.com/christopherjohns/guildsync/internal/gql"
	"github.com/christopherjohns/guildsync/internal/message"
	"github.com/christopherjohns/guildsync/internal/ratelimit"
	"github.com/christopherjohns/guildsync/internal/reaction"
	"github.com/christopherjohns/guildsync/internal/room"
)

const (
	DefaultCooldown = 30 * time.Second
	leaveTimeout    = 5 * time.Second
)

// Config tunes a Session. Zero fields take the defaults.
type Config struct {
	PageSize        int
	WindowSize      int
	DefaultCooldown time.Duration
	Connection      connection.Config
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = gql.DefaultPageSize
	}
	if c.WindowSize <= 0 {
		c.WindowSize = message.DefaultWindowSize
	}
	if c.DefaultCooldown <= 0 {
		c.DefaultCooldown = DefaultCooldown
	}
	return c
}

// Viewer is the local user.
type Viewer struct {
	ID       string
	Nickname string
}

// ChangeKind says what part of the session changed.
type ChangeKind int

const (
	ChangeMessages ChangeKind = iota
	ChangeReactions
	ChangeState
	ChangeTyping
	ChangeCooldown
	ChangeError
)

// Change is delivered to listeners after every observable update.
type Change struct {
	Kind      ChangeKind
	MessageID string
	State     connection.State
	Err       error
}

// Session is the synchronization service for one (room, viewer) pair. It
// is created per room and must be disposed when the room is left.
type Session struct {
	cfg    Config
	roomID string
	viewer Viewer
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	window   *message.Window
	conn     *connection.Controller
	cooldown *ratelimit.Cooldown

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	info      room.Info
	reactions map[string]*reaction.Controller
	typing    bool
	gapAfter  string
	gapOpen   bool
	gapSeq    uint64
	listeners map[int]func(Change)
	nextID    int
	disposed  bool
}

// New creates a session for roomID. Nothing touches the network until Open.
func New(cfg Config, roomID string, viewer Viewer, deps Deps) *Session {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("room", roomID))
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		roomID:    roomID,
		viewer:    viewer,
		deps:      deps,
		logger:    logger,
		now:       now,
		window:    message.NewWindow(cfg.WindowSize),
		cooldown:  ratelimit.NewCooldown(now),
		ctx:       ctx,
		cancel:    cancel,
		reactions: make(map[string]*reaction.Controller),
		listeners: make(map[int]func(Change)),
	}

	opts := []connection.Option{
		connection.WithLogger(logger),
		connection.WithMetrics(deps.Metrics),
		connection.WithOnMessage(s.handlePush),
		connection.WithOnLost(s.markGap),
		connection.WithOnState(func(m connection.Machine) {
			s.emit(Change{Kind: ChangeState, State: m.State})
		}),
	}
	if deps.Clock != nil {
		opts = append(opts, connection.WithClock(deps.Clock))
	}
	s.conn = connection.NewController(cfg.Connection, deps.Subscriber, s.poll, opts...)
	return s
}

// RoomID returns the room this session serves.
func (s *Session) RoomID() string {
	return s.roomID
}

// Open announces presence, loads the room description and the latest
// page, then starts the subscription. Only a malformed room description
// fails Open; network trouble is logged and left to polling.
func (s *Session) Open(ctx context.Context) error {
	if s.isDisposed() {
		return ErrDisposed
	}

	if err := s.deps.API.JoinRoom(ctx, s.roomID); err != nil {
		s.logger.Warn("roomsync: join failed", zap.Error(err))
	}

	info, err := s.deps.API.Room(ctx, s.roomID)
	switch {
	case errors.Is(err, room.ErrMalformedInfo):
		return fmt.Errorf("open %s: %w", s.roomID, err)
	case err != nil:
		s.logger.Warn("roomsync: room info unavailable", zap.Error(err))
		info = room.Info{ID: s.roomID, Kind: room.KindOf(s.roomID)}
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	if err := s.loadLatest(ctx); err != nil {
		s.logger.Warn("roomsync: initial load failed", zap.Error(err))
	}

	s.conn.Start(s.ctx, s.roomID)
	return nil
}

// Info returns the room description fetched by Open.
func (s *Session) Info() room.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Messages returns the working set ordered by (ts, id).
func (s *Session) Messages() []*message.Message {
	return s.window.Snapshot()
}

// Message returns one message from the working set.
func (s *Session) Message(id string) *message.Message {
	return s.window.Get(id)
}

// State returns the connection state.
func (s *Session) State() connection.State {
	return s.conn.State()
}

// Cooldown returns how long sending stays disabled.
func (s *Session) Cooldown() time.Duration {
	return s.cooldown.Remaining()
}

// OnChange registers fn and returns a function that removes it.
func (s *Session) OnChange(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// SetTyping sets the viewer's typing indicator.
func (s *Session) SetTyping(typing bool) {
	s.mu.Lock()
	changed := s.typing != typing
	s.typing = typing
	s.mu.Unlock()
	if changed {
		s.emit(Change{Kind: ChangeTyping})
	}
}

// Typing reports the viewer's typing indicator.
func (s *Session) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// ToggleReaction toggles the viewer's reaction on messageID. The returned
// error is also delivered to listeners as a ChangeError.
func (s *Session) ToggleReaction(ctx context.Context, messageID, shortcode, unicode string) error {
	ctrl, err := s.reactionController(messageID)
	if err != nil {
		return err
	}
	return ctrl.Toggle(ctx, shortcode, unicode)
}

// Reactions returns the current reactions on messageID.
func (s *Session) Reactions(messageID string) []message.Reaction {
	s.mu.Lock()
	ctrl := s.reactions[messageID]
	s.mu.Unlock()
	if ctrl != nil {
		return ctrl.Reactions()
	}
	if m := s.window.Get(messageID); m != nil {
		return message.CloneReactions(m.Reactions)
	}
	return nil
}

// RefreshReactions replaces the local reactions of messageID with the
// server's list.
func (s *Session) RefreshReactions(ctx context.Context, messageID string) error {
	ctrl, err := s.reactionController(messageID)
	if err != nil {
		return err
	}
	rs, err := s.deps.API.Reactions(ctx, messageID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
	}
	ctrl.Replace(rs)
	return nil
}

func (s *Session) reactionController(messageID string) (*reaction.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, ErrDisposed
	}
	if ctrl, ok := s.reactions[messageID]; ok {
		return ctrl, nil
	}
	m := s.window.Get(messageID)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}

	ctrl := reaction.NewController(messageID, m.Reactions, s.deps.API,
		reaction.WithLogger(s.logger),
		reaction.WithClock(s.deps.Clock),
		reaction.WithRefresh(s.deps.API.Reactions),
		reaction.WithOnChange(func(id string, rs []message.Reaction) {
			if s.isDisposed() {
				return
			}
			if s.window.SetReactions(id, rs) {
				s.emit(Change{Kind: ChangeReactions, MessageID: id})
			}
		}),
		reaction.WithOnError(func(id string, err error) {
			s.emit(Change{Kind: ChangeError, MessageID: id, Err: err})
		}),
	)
	s.reactions[messageID] = ctrl

	if s.deps.Feed != nil {
		go func() {
			if err := ctrl.Watch(s.ctx, s.deps.Feed); err != nil {
				s.logger.Debug("roomsync: reaction watch failed", zap.String("message", messageID), zap.Error(err))
			}
		}()
	}
	return ctrl, nil
}

// Dispose leaves the room and releases every subscription. It is safe to
// call more than once; callbacks arriving afterwards are ignored.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	ctrls := make([]*reaction.Controller, 0, len(s.reactions))
	for _, c := range s.reactions {
		ctrls = append(ctrls, c)
	}
	s.reactions = make(map[string]*reaction.Controller)
	s.listeners = make(map[int]func(Change))
	s.mu.Unlock()

	s.conn.Stop()
	for _, c := range ctrls {
		c.Close()
	}
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := s.deps.API.LeaveRoom(ctx, s.roomID); err != nil {
		s.logger.Debug("roomsync: leave failed", zap.Error(err))
	}
}

func (s *Session) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// handlePush lands one onMessage payload.
func (s *Session) handlePush(roomID string, data json.RawMessage) {
	if s.isDisposed() || roomID != s.roomID {
		return
	}
	rec, err := message.DecodeRecord(data)
	if err != nil {
		s.logger.Warn("roomsync: undecodable push", zap.Error(err))
		return
	}
	m := message.Normalize(rec, s.roomID)
	if m.ID == "" {
		return
	}
	if s.window.Merge(m) {
		s.emit(Change{Kind: ChangeMessages, MessageID: m.ID})
	}
}

// markGap remembers the newest message held when the subscription
// dropped. Polls page forward from it until a catch-up over the new
// subscription succeeds, so pushes that land after the reconnect cannot
// move the cursor past messages sent during the outage.
func (s *Session) markGap(string) {
	after := ""
	if last := s.window.Last(); last != nil {
		after = last.ID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gapSeq++
	if !s.gapOpen {
		s.gapAfter, s.gapOpen = after, true
	}
}

// poll fetches everything newer than the open gap, or than the newest
// known message when there is none.
func (s *Session) poll(ctx context.Context, _ string, catchUp bool) error {
	s.mu.Lock()
	after, open, seq := s.gapAfter, s.gapOpen, s.gapSeq
	s.mu.Unlock()
	if !open {
		after = ""
		if last := s.window.Last(); last != nil {
			after = last.ID
		}
	}
	if err := s.loadSince(ctx, after); err != nil {
		return err
	}
	if catchUp {
		s.mu.Lock()
		if s.gapSeq == seq {
			s.gapOpen = false
			s.gapAfter = ""
		}
		s.mu.Unlock()
	}
	return nil
}

// loadSince pages forward from after until the backend has nothing newer.
func (s *Session) loadSince(ctx context.Context, after string) error {
	changed := false
	defer func() {
		if changed {
			s.emit(Change{Kind: ChangeMessages})
		}
	}()

	for {
		page, err := s.deps.API.GetMessages(ctx, s.roomID, after, s.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
		}
		if s.isDisposed() {
			return nil
		}
		msgs := message.NormalizeAll(page.Items, s.roomID)
		if s.window.Merge(msgs...) {
			changed = true
		}
		if len(msgs) == 0 || (page.NextToken == "" && len(page.Items) < s.cfg.PageSize) {
			return nil
		}
		next := msgs[len(msgs)-1].ID
		if next == after {
			return nil
		}
		after = next
	}
}

// loadLatest merges the newest page.
func (s *Session) loadLatest(ctx context.Context) error {
	page, err := s.deps.API.GetMessages(ctx, s.roomID, "", s.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
	}
	if s.isDisposed() {
		return nil
	}
	msgs := message.NormalizeAll(page.Items, s.roomID)
	if s.window.Merge(msgs...) {
		s.emit(Change{Kind: ChangeMessages})
	}
	return nil
}

func (s *Session) emit(c Change) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}
