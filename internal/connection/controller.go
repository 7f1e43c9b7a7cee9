package connection

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler receives events from a live subscription.
type Handler struct {
	Next     func(data json.RawMessage)
	Error    func(err error)
	Complete func()
}

// Subscriber opens the push subscription for a room. The credential is
// resolved by the implementation on every call.
type Subscriber interface {
	Subscribe(ctx context.Context, roomID string, h Handler) (io.Closer, error)
}

// PollFunc fetches messages missed while the subscription was down.
// catchUp is set for polls that run while the re-established subscription
// is connected; fallback polls during the outage run with it unset. A
// failed catch-up is retried on the poll interval until one succeeds.
type PollFunc func(ctx context.Context, roomID string, catchUp bool) error

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock schedules the controller's timers.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
	Every(d time.Duration, f func()) Timer
}

// Config tunes the controller. Zero fields take the defaults.
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

// Controller drives a Machine against a Subscriber. All callbacks are
// guarded by a generation counter: anything that fires after the
// subscription it belongs to was replaced or torn down is dropped.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	machine Machine
	sub     Subscriber
	poll    PollFunc
	clock   Clock
	logger  *zap.Logger
	metrics *Metrics

	onMessage func(roomID string, data json.RawMessage)
	onState   func(Machine)
	onLost    func(roomID string)

	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	handle   io.Closer
	inflight bool
	lost     bool

	pollTimer  Timer
	retryTimer Timer
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the real clock.
func WithClock(c Clock) Option {
	return func(ctrl *Controller) {
		ctrl.clock = c
	}
}

// WithLogger sets the controller's logger.
func WithLogger(l *zap.Logger) Option {
	return func(ctrl *Controller) {
		if l != nil {
			ctrl.logger = l
		}
	}
}

// WithMetrics instruments the controller.
func WithMetrics(m *Metrics) Option {
	return func(ctrl *Controller) {
		ctrl.metrics = m
	}
}

// WithOnMessage registers the receiver of pushed messages.
func WithOnMessage(fn func(roomID string, data json.RawMessage)) Option {
	return func(ctrl *Controller) {
		ctrl.onMessage = fn
	}
}

// WithOnState registers a callback for every state change.
func WithOnState(fn func(Machine)) Option {
	return func(ctrl *Controller) {
		ctrl.onState = fn
	}
}

// WithOnLost registers a callback invoked once when a live subscription is
// lost, before any fallback poll runs. It is not invoked again until a
// catch-up poll has followed a successful reconnect. fn runs under the
// controller lock and must not call back into the Controller.
func WithOnLost(fn func(roomID string)) Option {
	return func(ctrl *Controller) {
		ctrl.onLost = fn
	}
}

// NewController creates a disconnected controller.
func NewController(cfg Config, sub Subscriber, poll PollFunc, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg.withDefaults(),
		machine: NewMachine(),
		sub:     sub,
		poll:    poll,
		clock:   SystemClock(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics.setState(c.machine.State)
	return c
}

// Snapshot returns a copy of the machine.
func (c *Controller) Snapshot() Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine
}

// State returns the current connection state.
func (c *Controller) State() State {
	return c.Snapshot().State
}

// Start connects to roomID and blocks until the first subscription attempt
// resolves. Starting the room that is already being served while a
// subscription exists or a connect is in flight is a no-op. Starting a
// different room tears the current one down first.
func (c *Controller) Start(ctx context.Context, roomID string) {
	c.mu.Lock()
	if c.machine.RoomID == roomID && (c.handle != nil || c.inflight) {
		c.mu.Unlock()
		c.logger.Debug("connection: start ignored, already active", zap.String("room", roomID))
		return
	}
	var old io.Closer
	if c.machine.State != StateDisconnected || c.machine.RoomID != "" {
		old = c.teardownLocked()
	}
	if err := c.machine.Apply(Event{Type: EventConnect, RoomID: roomID}); err != nil {
		c.mu.Unlock()
		c.logger.Error("connection: start", zap.String("room", roomID), zap.Error(err))
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	gen := c.beginAttemptLocked()
	snap := c.machine
	c.mu.Unlock()

	closeHandle(old)
	c.notify(snap)
	c.connect(gen)
}

// Stop unsubscribes, stops polling and cancels any pending reconnect.
// Later callbacks from the old subscription are ignored.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.machine.State == StateDisconnected && c.machine.RoomID == "" && c.handle == nil {
		c.mu.Unlock()
		return
	}
	old := c.teardownLocked()
	snap := c.machine
	c.mu.Unlock()

	closeHandle(old)
	c.notify(snap)
}

func (c *Controller) teardownLocked() io.Closer {
	c.gen++
	old := c.handle
	c.handle = nil
	c.inflight = false
	c.lost = false
	c.stopPollingLocked()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.machine.Apply(Event{Type: EventTeardown})
	return old
}

func (c *Controller) beginAttemptLocked() uint64 {
	c.gen++
	c.inflight = true
	return c.gen
}

// connect runs one subscription attempt for generation gen.
func (c *Controller) connect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	ctx, roomID := c.ctx, c.machine.RoomID
	c.mu.Unlock()

	h := Handler{
		Next:     func(data json.RawMessage) { c.deliver(gen, roomID, data) },
		Error:    func(err error) { c.lose(gen, EventFailed, err) },
		Complete: func() { c.lose(gen, EventCompleted, nil) },
	}
	handle, err := c.sub.Subscribe(ctx, roomID, h)

	c.mu.Lock()
	if gen != c.gen || c.machine.State != StateConnecting {
		// Torn down, or the new subscription already failed.
		c.mu.Unlock()
		closeHandle(handle)
		return
	}
	c.inflight = false
	if err != nil {
		c.mu.Unlock()
		c.lose(gen, EventFailed, err)
		return
	}

	c.handle = handle
	c.machine.Apply(Event{Type: EventSubscribed})
	c.stopPollingLocked()
	catchUp := c.lost
	c.lost = false
	snap := c.machine
	c.mu.Unlock()

	c.logger.Info("connection: subscribed", zap.String("room", roomID))
	c.notify(snap)
	if catchUp && c.pollOnce(ctx, roomID, true) != nil {
		// Keep retrying the catch-up on the poll interval.
		c.mu.Lock()
		if gen == c.gen && c.machine.State == StateConnected {
			c.startPollingLocked()
		}
		c.mu.Unlock()
	}
}

func (c *Controller) deliver(gen uint64, roomID string, data json.RawMessage) {
	c.mu.Lock()
	live := gen == c.gen
	c.mu.Unlock()
	if live && c.onMessage != nil {
		c.onMessage(roomID, data)
	}
}

// lose handles a subscription error or completion: the state changes,
// fallback polling starts and a reconnect is scheduled.
func (c *Controller) lose(gen uint64, ev EventType, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if err := c.machine.Apply(Event{Type: ev}); err != nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	old := c.handle
	c.handle = nil
	c.inflight = false
	firstLoss := !c.lost
	c.lost = true
	roomID := c.machine.RoomID
	if firstLoss && c.onLost != nil {
		c.onLost(roomID)
	}
	c.startPollingLocked()

	attempt := c.machine.Attempts
	scheduled := attempt < c.cfg.MaxAttempts
	var delay time.Duration
	if scheduled {
		delay = Delay(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
		retryGen := c.gen
		c.retryTimer = c.clock.AfterFunc(delay, func() { c.retry(retryGen) })
	}
	snap := c.machine
	c.mu.Unlock()

	closeHandle(old)
	c.metrics.subscriptionFailed()
	fields := []zap.Field{zap.String("room", roomID), zap.Stringer("event", ev), zap.Int("attempt", attempt)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if scheduled {
		c.metrics.reconnectScheduled()
		c.logger.Warn("connection: subscription lost, reconnecting", append(fields, zap.Duration("delay", delay))...)
	} else {
		c.logger.Error("connection: subscription lost, giving up reconnects", fields...)
	}
	c.notify(snap)
}

func (c *Controller) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	if err := c.machine.Apply(Event{Type: EventRetry}); err != nil {
		c.mu.Unlock()
		return
	}
	next := c.beginAttemptLocked()
	snap := c.machine
	c.mu.Unlock()

	c.notify(snap)
	c.connect(next)
}

func (c *Controller) startPollingLocked() {
	if c.pollTimer != nil || c.poll == nil {
		return
	}
	ctx, roomID := c.ctx, c.machine.RoomID
	var t Timer
	t = c.clock.Every(c.cfg.PollInterval, func() {
		c.mu.Lock()
		live := c.pollTimer == t
		connected := c.machine.State == StateConnected
		c.mu.Unlock()
		if !live {
			return
		}
		if err := c.pollOnce(ctx, roomID, connected); err == nil && connected {
			c.mu.Lock()
			if c.pollTimer == t {
				c.stopPollingLocked()
			}
			c.mu.Unlock()
		}
	})
	c.pollTimer = t
}

func (c *Controller) stopPollingLocked() {
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
}

// Polling reports whether fallback polling is running.
func (c *Controller) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollTimer != nil
}

func (c *Controller) pollOnce(ctx context.Context, roomID string, catchUp bool) error {
	if c.poll == nil {
		return nil
	}
	err := c.poll(ctx, roomID, catchUp)
	c.metrics.polled(err)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("connection: poll failed", zap.String("room", roomID), zap.Bool("catch_up", catchUp), zap.Error(err))
	}
	return err
}

func (c *Controller) notify(m Machine) {
	c.metrics.setState(m.State)
	if c.onState != nil {
		c.onState(m)
	}
}

func closeHandle(h io.Closer) {
	if h != nil {
		h.Close()
	}
}

// SystemClock returns the Clock backed by the time package.
func SystemClock() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) Every(d time.Duration, f func()) Timer {
	t := &ticker{stop: make(chan struct{})}
	go func() {
		tk := time.NewTicker(d)
		defer tk.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-tk.C:
				f()
			}
		}
	}()
	return t
}

type ticker struct {
	once sync.Once
	stop chan struct{}
}

func (t *ticker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		close(t.stop)
		stopped = true
	})
	return stopped
}
