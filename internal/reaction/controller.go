package reaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/christopherjohns/guildsync/internal/connection"
	"github.com/christopherjohns/guildsync/internal/message"
)

// API performs the reaction mutations against the backend.
type API interface {
	AddReaction(ctx context.Context, messageID, shortcode, unicode string) (Update, error)
	RemoveReaction(ctx context.Context, messageID, shortcode, unicode string) (Update, error)
}

// Feed opens an onReaction subscription for one message. Each payload is
// the raw onReaction object.
type Feed interface {
	SubscribeReactions(ctx context.Context, messageID string, next func(json.RawMessage), fail func(error)) (Closer, error)
}

// Closer releases a subscription.
type Closer interface {
	Close() error
}

// Controller owns the reaction state of a single message. Its lifecycle is
// independent of the message list it belongs to.
type Controller struct {
	mu        sync.Mutex
	messageID string
	reactions []message.Reaction
	api       API
	logger    *zap.Logger
	closed    bool
	clock     connection.Clock

	feed     Feed
	watchCtx context.Context
	sub      Closer
	subGen   uint64
	attempts int
	retry    connection.Timer

	onChange func(messageID string, reactions []message.Reaction)
	onError  func(messageID string, err error)
	fetch    func(ctx context.Context, messageID string) ([]message.Reaction, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithOnChange registers a callback invoked with every new reaction list.
func WithOnChange(fn func(messageID string, reactions []message.Reaction)) Option {
	return func(c *Controller) {
		c.onChange = fn
	}
}

// WithOnError registers the announcement channel for failed toggles.
func WithOnError(fn func(messageID string, err error)) Option {
	return func(c *Controller) {
		c.onError = fn
	}
}

// WithLogger sets the controller's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces the clock that schedules resubscriptions.
func WithClock(clock connection.Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithRefresh sets how the authoritative reaction list is fetched after a
// lost subscription comes back.
func WithRefresh(fn func(ctx context.Context, messageID string) ([]message.Reaction, error)) Option {
	return func(c *Controller) {
		c.fetch = fn
	}
}

// NewController creates a controller for messageID seeded with initial.
func NewController(messageID string, initial []message.Reaction, api API, opts ...Option) *Controller {
	c := &Controller{
		messageID: messageID,
		reactions: message.CloneReactions(initial),
		api:       api,
		logger:    zap.NewNop(),
		clock:     connection.SystemClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MessageID returns the id of the tracked message.
func (c *Controller) MessageID() string {
	return c.messageID
}

// Reactions returns a copy of the current reaction list.
func (c *Controller) Reactions() []message.Reaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return message.CloneReactions(c.reactions)
}

// Toggle adds the viewer's reaction if absent, or removes it if present.
// The change is applied locally before the server call and rolled back to
// the exact prior state if the call fails. Failures are also reported on
// the error callback; Toggle never panics on network errors.
func (c *Controller) Toggle(ctx context.Context, shortcode, unicode string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	snapshot := message.CloneReactions(c.reactions)
	idx := indexOf(c.reactions, shortcode)
	if idx < 0 && len(c.reactions) >= MaxDistinct {
		c.mu.Unlock()
		c.announce(ErrMaxReactionsExceeded)
		return ErrMaxReactionsExceeded
	}

	adding := idx < 0 || !c.reactions[idx].ViewerHasReacted
	if idx >= 0 && unicode == "" {
		unicode = c.reactions[idx].Unicode
	}
	c.reactions = optimistic(c.reactions, idx, shortcode, unicode, adding)
	optimisticState := message.CloneReactions(c.reactions)
	c.mu.Unlock()
	c.notify(optimisticState)

	var (
		u   Update
		err error
	)
	if adding {
		u, err = c.api.AddReaction(ctx, c.messageID, shortcode, unicode)
	} else {
		u, err = c.api.RemoveReaction(ctx, c.messageID, shortcode, unicode)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return err
	}
	if err != nil {
		c.reactions = snapshot
		restored := message.CloneReactions(snapshot)
		c.mu.Unlock()
		c.logger.Warn("reaction: toggle failed, rolled back",
			zap.String("message", c.messageID),
			zap.String("shortcode", shortcode),
			zap.Error(err),
		)
		c.notify(restored)
		err = fmt.Errorf("toggle %s: %w", shortcode, err)
		c.announce(err)
		return err
	}

	override := adding
	next, mergeErr := merge(c.messageID, c.reactions, u, &override)
	if errors.Is(mergeErr, ErrStaleResponse) {
		c.mu.Unlock()
		c.logger.Debug("reaction: ignoring stale response",
			zap.String("message", c.messageID),
			zap.String("response_message", u.MessageID),
		)
		return nil
	}
	c.reactions = next
	reconciled := message.CloneReactions(next)
	c.mu.Unlock()
	c.notify(reconciled)
	return nil
}

// optimistic computes the local reaction list for a toggle. It never
// produces a zero-count entry.
func optimistic(current []message.Reaction, idx int, shortcode, unicode string, adding bool) []message.Reaction {
	out := message.CloneReactions(current)
	if adding {
		if idx < 0 {
			return append(out, message.Reaction{
				Shortcode:        shortcode,
				Unicode:          unicode,
				Count:            1,
				ViewerHasReacted: true,
			})
		}
		out[idx].Count++
		out[idx].ViewerHasReacted = true
		return out
	}

	if out[idx].Count <= 1 {
		return append(out[:idx], out[idx+1:]...)
	}
	out[idx].Count--
	out[idx].ViewerHasReacted = false
	return out
}

// Apply lands a server-pushed update about other users' reactions. The
// viewer's own flag is left untouched. Updates for other messages are
// ignored.
func (c *Controller) Apply(u Update) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	next, err := merge(c.messageID, c.reactions, u, nil)
	if err != nil {
		c.mu.Unlock()
		return
	}
	c.reactions = next
	out := message.CloneReactions(next)
	c.mu.Unlock()
	c.notify(out)
}

// Replace overwrites the local state with a freshly fetched list.
func (c *Controller) Replace(reactions []message.Reaction) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.reactions = message.CloneReactions(reactions)
	out := message.CloneReactions(reactions)
	c.mu.Unlock()
	c.notify(out)
}

// Watch subscribes to onReaction pushes for this message through feed.
// Calling Watch on a watched controller is a no-op. A subscription that
// fails, completes or cannot be opened is retried with the connection
// backoff until Close, and every reopened subscription is followed by a
// refresh so pushes missed in between are recovered.
func (c *Controller) Watch(ctx context.Context, feed Feed) error {
	c.mu.Lock()
	if c.closed || c.feed != nil {
		c.mu.Unlock()
		return nil
	}
	c.feed, c.watchCtx = feed, ctx
	c.mu.Unlock()

	if err := c.subscribe(); err != nil {
		c.scheduleResubscribe()
		return err
	}
	return nil
}

// Watching reports whether an onReaction subscription is live.
func (c *Controller) Watching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub != nil
}

func (c *Controller) subscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.subGen++
	gen := c.subGen
	ctx, feed := c.watchCtx, c.feed
	c.mu.Unlock()

	sub, err := feed.SubscribeReactions(ctx, c.messageID, c.handlePush, func(err error) { c.lost(gen, err) })
	if err != nil {
		return fmt.Errorf("watch reactions for %s: %w", c.messageID, err)
	}

	c.mu.Lock()
	if c.closed || gen != c.subGen {
		c.mu.Unlock()
		sub.Close()
		return nil
	}
	c.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *Controller) lost(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.subGen {
		c.mu.Unlock()
		return
	}
	c.subGen++
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	c.logger.Warn("reaction: subscription lost", zap.String("message", c.messageID), zap.Error(err))
	c.scheduleResubscribe()
}

func (c *Controller) scheduleResubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.retry != nil || c.watchCtx.Err() != nil {
		return
	}
	delay := connection.Delay(c.attempts, connection.DefaultBaseDelay, connection.DefaultMaxDelay)
	c.attempts++
	c.retry = c.clock.AfterFunc(delay, c.resubscribe)
}

func (c *Controller) resubscribe() {
	c.mu.Lock()
	c.retry = nil
	closed, ctx := c.closed, c.watchCtx
	c.mu.Unlock()
	if closed || ctx.Err() != nil {
		return
	}

	if err := c.subscribe(); err != nil {
		c.logger.Debug("reaction: resubscribe failed", zap.String("message", c.messageID), zap.Error(err))
		c.scheduleResubscribe()
		return
	}
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()

	if c.fetch == nil {
		return
	}
	rs, err := c.fetch(ctx, c.messageID)
	if err != nil {
		c.logger.Warn("reaction: refresh after resubscribe failed", zap.String("message", c.messageID), zap.Error(err))
		return
	}
	c.Replace(rs)
}

func (c *Controller) handlePush(payload json.RawMessage) {
	var u Update
	if err := json.Unmarshal(payload, &u); err != nil {
		c.logger.Warn("reaction: undecodable push", zap.String("message", c.messageID), zap.Error(err))
		return
	}
	c.Apply(u)
}

// Close releases the subscription and cancels any pending resubscribe.
// Later callbacks become no-ops.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

func (c *Controller) notify(reactions []message.Reaction) {
	if c.onChange != nil {
		c.onChange(c.messageID, reactions)
	}
}

func (c *Controller) announce(err error) {
	if c.onError != nil {
		c.onError(c.messageID, err)
	}
}
