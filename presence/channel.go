package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/metrics"
	"github.com/c0deZ3R0/go-canvas-sync/state"
	"github.com/c0deZ3R0/go-canvas-sync/store"
)

const component = syncErrors.Component("presence")

const (
	DefaultThrottle  = 50 * time.Millisecond
	DefaultHeartbeat = 10 * time.Second
	DefaultWindow    = 30 * time.Second

	publishTimeout = 5 * time.Second
)

// IsOnline reports whether rec counts as online at now: its online flag is set and
// its last heartbeat is no older than window. A missing heartbeat is the only
// offline signal that is relied on.
func IsOnline(rec canvas.Presence, now time.Time, window time.Duration) bool {
	return rec.Online && !rec.LastHeartbeat.IsZero() && now.Sub(rec.LastHeartbeat) <= window
}

// NewSessionID returns a random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Channel publishes this session's presence and mirrors every session's record into
// the state container.
type Channel struct {
	container *state.Container
	store     Store

	throttle  time.Duration
	heartbeat time.Duration
	window    time.Duration
	sweep     time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   metrics.Collector

	mu        sync.Mutex
	self      canvas.Presence
	lastSent  time.Time
	trailing  *time.Timer
	dirty     bool
	sub       store.Subscription
	cancel    context.CancelFunc
	stopped   bool
	started   bool
	publishes sync.WaitGroup
	loops     sync.WaitGroup
}

// Option configures a Channel.
type Option func(*Channel)

// WithThrottle sets the minimum interval between position publishes.
func WithThrottle(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.throttle = d
		}
	}
}

// WithHeartbeat sets how often this session refreshes its record.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// WithWindow sets how long a record stays online without a heartbeat.
func WithWindow(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithSweep sets how often expired records are marked offline in the container.
func WithSweep(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.sweep = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

func WithMetrics(m metrics.Collector) Option {
	return func(c *Channel) { c.metrics = m }
}

// NewChannel creates a channel for self. An empty SessionID gets a fresh one.
func NewChannel(container *state.Container, s Store, self canvas.Presence, opts ...Option) *Channel {
	if self.SessionID == "" {
		self.SessionID = NewSessionID()
	}
	c := &Channel{
		container: container,
		store:     s,
		self:      self,
		throttle:  DefaultThrottle,
		heartbeat: DefaultHeartbeat,
		window:    DefaultWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweep <= 0 {
		c.sweep = c.window / 3
	}
	base := &logging.Logger{Logger: logging.Or(c.logger, logging.Component(component))}
	c.logger = base.WithSession(logging.ContextWithSession(context.Background(), c.self.SessionID)).Logger
	c.metrics = metrics.Or(c.metrics)
	return c
}

// Self returns this session's current record.
func (c *Channel) Self() canvas.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Start subscribes to remote presence, seeds the container from the current records,
// publishes a first heartbeat and starts the heartbeat and sweep loops.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	sub, err := c.store.Subscribe(loopCtx, c.receive)
	if err != nil {
		cancel()
		return syncErrors.E(syncErrors.OpPresence, component, err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	records, err := c.store.List(ctx)
	if err != nil {
		c.logger.Warn("could not list presence records", logging.Err(err))
	}
	for _, p := range records {
		c.receive(p)
	}

	if err := c.Heartbeat(ctx); err != nil {
		c.logger.Warn("initial heartbeat failed", logging.Err(err))
	}

	c.loops.Add(1)
	go c.run(loopCtx)
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer c.loops.Done()
	beat := time.NewTicker(c.heartbeat)
	defer beat.Stop()
	sweep := time.NewTicker(c.sweep)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			hctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := c.Heartbeat(hctx); err != nil {
				c.logger.Debug("heartbeat failed", logging.Err(err))
			}
			cancel()
		case <-sweep.C:
			c.Sweep()
		}
	}
}

func (c *Channel) receive(p canvas.Presence) {
	if p.SessionID == "" {
		return
	}
	c.container.PutPresence(p)
}

// Sweep marks every record whose heartbeat has expired offline in the container.
func (c *Channel) Sweep() []string {
	now := c.now()
	var expired []string
	for _, p := range c.container.Presence() {
		if p.Online && !IsOnline(p, now, c.window) {
			expired = append(expired, p.SessionID)
		}
	}
	if len(expired) > 0 {
		c.container.MarkPresenceOffline(expired...)
		c.logger.Debug("presence expired", slog.Int("sessions", len(expired)))
	}
	return expired
}

// Online returns the records currently considered online, self included.
func (c *Channel) Online() []canvas.Presence {
	now := c.now()
	var out []canvas.Presence
	for _, p := range c.container.Presence() {
		if IsOnline(p, now, c.window) {
			out = append(out, p)
		}
	}
	return out
}

// Heartbeat refreshes this session's record and publishes it synchronously.
func (c *Channel) Heartbeat(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.self.Online = true
	c.self.LastHeartbeat = c.now()
	rec := c.self
	c.mu.Unlock()

	c.container.PutPresence(rec)
	if err := c.store.Publish(ctx, rec); err != nil {
		return syncErrors.E(syncErrors.OpPresence, component, err)
	}
	return nil
}

// SetDisplay changes the display name and colour and publishes right away.
func (c *Channel) SetDisplay(name, color string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.self.DisplayName = name
	c.self.Color = color
	rec := c.self
	c.lastSent = c.now()
	c.dirty = false
	c.publishAsyncLocked(rec)
	c.mu.Unlock()
	c.container.PutPresence(rec)
}

// UpdatePosition records the pointer position. Publishes are throttled: the first
// update in an interval goes out at once, later ones collapse into a single trailing
// publish of the latest position. It never blocks on the store.
func (c *Channel) UpdatePosition(x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.self.X, c.self.Y = x, y

	elapsed := c.now().Sub(c.lastSent)
	if elapsed >= c.throttle && c.trailing == nil {
		c.lastSent = c.now()
		c.publishAsyncLocked(c.self)
		c.metrics.RecordPresencePublish(true)
		return
	}

	c.dirty = true
	c.metrics.RecordPresencePublish(false)
	if c.trailing != nil {
		return
	}
	wait := c.throttle - elapsed
	if wait < 0 {
		wait = 0
	}
	c.trailing = time.AfterFunc(wait, c.flushTrailing)
}

func (c *Channel) flushTrailing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trailing = nil
	if c.stopped || !c.dirty {
		return
	}
	c.dirty = false
	c.lastSent = c.now()
	c.publishAsyncLocked(c.self)
	c.metrics.RecordPresencePublish(true)
}

func (c *Channel) publishAsyncLocked(rec canvas.Presence) {
	c.publishes.Add(1)
	go func() {
		defer c.publishes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := c.store.Publish(ctx, rec); err != nil {
			c.logger.Debug("presence publish dropped", logging.Err(err))
		}
	}()
}

// Stop halts the loops, tears down the subscription and publishes an offline record
// on a best-effort basis. Other sessions rely on heartbeat expiry, not on this.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	if c.trailing != nil {
		c.trailing.Stop()
		c.trailing = nil
	}
	cancel, sub := c.cancel, c.sub
	c.self.Online = false
	rec := c.self
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.loops.Wait()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug("presence unsubscribe failed", logging.Err(err))
		}
	}
	c.publishes.Wait()

	c.container.PutPresence(rec)
	if err := c.store.Publish(ctx, rec); err != nil {
		c.logger.Debug("offline publish failed", logging.Err(err))
	}
	return nil
}
