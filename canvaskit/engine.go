// Package canvaskit wires the sync engine together: the local state container, the
// pending-write ledger, the write coordinator, the change subscriber, the connection
// monitor and the presence channel, all sharing one remote store.
package canvaskit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	"github.com/c0deZ3R0/go-canvas-sync/connection"
	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/ledger"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/metrics"
	"github.com/c0deZ3R0/go-canvas-sync/presence"
	"github.com/c0deZ3R0/go-canvas-sync/state"
	"github.com/c0deZ3R0/go-canvas-sync/store"
	"github.com/c0deZ3R0/go-canvas-sync/subscriber"
	"github.com/c0deZ3R0/go-canvas-sync/writer"
)

const component = syncErrors.Component("canvaskit")

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = syncErrors.E(component, syncErrors.KindClosed, "engine is closed")

// Engine is one client's view of a shared canvas.
type Engine struct {
	cfg           Config
	store         store.EntityStore
	presenceStore presence.Store
	self          canvas.Presence
	logger        *slog.Logger
	metrics       metrics.Collector
	observer      subscriber.DecisionObserver
	now           func() time.Time
	seed          []canvas.Entity

	container  *state.Container
	ledger     *ledger.Ledger
	writer     *writer.Coordinator
	subscriber *subscriber.Subscriber
	monitor    *connection.Monitor
	presence   *presence.Channel

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine) error

// WithStore sets the remote entity store. Required.
func WithStore(s store.EntityStore) Option {
	return func(e *Engine) error {
		if s == nil {
			return errors.New("store cannot be nil")
		}
		e.store = s
		return nil
	}
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(e *Engine) error {
		e.cfg = cfg
		return nil
	}
}

// WithPresence enables the presence channel for self over ps.
func WithPresence(ps presence.Store, self canvas.Presence) Option {
	return func(e *Engine) error {
		if ps == nil {
			return errors.New("presence store cannot be nil")
		}
		e.presenceStore = ps
		e.self = self
		return nil
	}
}

// WithEntities seeds the container before the first reconciliation.
func WithEntities(entities ...canvas.Entity) Option {
	return func(e *Engine) error {
		e.seed = append(e.seed, entities...)
		return nil
	}
}

// WithObserver is called with every change-feed decision.
func WithObserver(fn subscriber.DecisionObserver) Option {
	return func(e *Engine) error {
		e.observer = fn
		return nil
	}
}

// WithLogger overrides the logger built from Config.Logging.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

func WithMetrics(m metrics.Collector) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithClock replaces time.Now in every component, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		e.now = now
		return nil
	}
}

// New builds an engine. Nothing talks to the store until Start.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{cfg: DefaultConfig(), now: time.Now}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, syncErrors.E(syncErrors.OpConfig, component, syncErrors.KindInvalid, err)
		}
	}
	if e.store == nil {
		return nil, syncErrors.E(syncErrors.OpConfig, component, syncErrors.KindInvalid,
			"store is required (use WithStore(...))")
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if e.logger == nil {
		e.logger = logging.NewLogger(e.cfg.Logging).Logger
	}
	e.logger = e.logger.With(slog.String("component", string(component)))
	e.metrics = metrics.Or(e.metrics)

	author := e.cfg.AuthorID
	if author == "" {
		author = e.self.UserID
	}
	if author == "" {
		author = canvas.NewID()
	}

	e.container = state.New(state.WithLogger(e.logger), state.WithEntities(e.seed...))
	e.ledger = ledger.New(e.cfg.LedgerTimeout.Std(), ledger.WithClock(e.now))
	e.writer = writer.New(e.container, e.ledger, e.store,
		writer.WithAuthor(author),
		writer.WithDebounce(e.cfg.Debounce.Std()),
		writer.WithWriteTimeout(e.cfg.WriteTimeout.Std()),
		writer.WithRetryBackoff(e.cfg.Retry.Strategy()),
		writer.WithClock(e.now),
		writer.WithLogger(e.logger),
		writer.WithMetrics(e.metrics))
	e.subscriber = subscriber.New(e.container, e.ledger, e.store,
		subscriber.WithStaleness(e.cfg.LedgerStaleness.Std()),
		subscriber.WithObserver(e.observer),
		subscriber.WithDiscarder(e.writer),
		subscriber.WithClock(e.now),
		subscriber.WithLogger(e.logger),
		subscriber.WithMetrics(e.metrics))

	monOpts := []connection.Option{
		connection.WithFlusher(e.writer),
		connection.WithBackoff(e.cfg.Reconnect.Strategy()),
		connection.WithReconcileTimeout(e.cfg.ReconcileTimeout.Std()),
		connection.WithLogger(e.logger),
		connection.WithMetrics(e.metrics),
	}
	if rc, ok := e.store.(store.Reconnector); ok {
		monOpts = append(monOpts, connection.WithReconnector(rc))
	}
	e.monitor = connection.New(e.container, e.subscriber, monOpts...)

	if e.presenceStore != nil {
		if e.self.UserID == "" {
			e.self.UserID = author
		}
		e.presence = presence.NewChannel(e.container, e.presenceStore, e.self,
			presence.WithThrottle(e.cfg.Presence.Throttle.Std()),
			presence.WithHeartbeat(e.cfg.Presence.Heartbeat.Std()),
			presence.WithWindow(e.cfg.Presence.Window.Std()),
			presence.WithClock(e.now),
			presence.WithLogger(e.logger),
			presence.WithMetrics(e.metrics))
	}
	return e, nil
}

// Start opens the change feed, reconciles with the remote state and starts the
// background loops. A failed initial reconciliation is retried by the connection
// monitor rather than returned.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.subscriber.Start(runCtx); err != nil {
		return err
	}
	if _, err := e.subscriber.Reconcile(ctx); err != nil {
		e.logger.Warn("initial reconciliation failed", logging.Err(err))
		e.monitor.HandleTransport(store.Lost)
		if _, ok := e.store.(store.Reconnector); !ok {
			// only another reconciliation can recover; its failure schedules the next
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.monitor.Retry()
			}()
		}
	}

	if n, ok := e.store.(store.TransportNotifier); ok {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.monitor.Run(runCtx, n)
		}()
	}

	e.wg.Add(1)
	go e.expireLedger(runCtx)

	if e.presence != nil {
		if err := e.presence.Start(ctx); err != nil {
			e.logger.Warn("presence unavailable", logging.Err(err))
		}
	}
	e.logger.Info("engine started", slog.Int("entities", len(e.container.Entities())))
	return nil
}

func (e *Engine) expireLedger(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.LedgerTimeout.Std() / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := e.ledger.Expire(); len(dropped) > 0 {
				e.logger.Debug("expired pending writes", slog.Int("count", len(dropped)))
			}
		}
	}
}

// State is the read side of the local state container.
func (e *Engine) State() state.Reader { return e.container }

// Container exposes the container for selection, viewport and subscriptions.
func (e *Engine) Container() *state.Container { return e.container }

// Presence returns the presence channel, or nil when presence is not configured.
func (e *Engine) Presence() *presence.Channel { return e.presence }

// Status returns the connection state.
func (e *Engine) Status() canvas.ConnectionStatus { return e.monitor.Status() }

// ApplyLocalChange applies patch to the local state only. An empty id creates a new
// entity.
func (e *Engine) ApplyLocalChange(id string, patch canvas.Patch) canvas.Entity {
	return e.writer.ApplyLocalChange(id, patch)
}

// QueueWrite schedules full as the persisted state of id.
func (e *Engine) QueueWrite(id string, full canvas.Entity, immediate bool) error {
	return e.writer.QueueWrite(id, full, immediate)
}

// Change applies patch locally and queues the result.
func (e *Engine) Change(id string, patch canvas.Patch, immediate bool) (canvas.Entity, error) {
	return e.writer.Change(id, patch, immediate)
}

// DeleteEntities removes ids locally and queues their deletion.
func (e *Engine) DeleteEntities(ids []string, immediate bool) error {
	return e.writer.DeleteEntities(ids, immediate)
}

// Flush writes everything buffered now.
func (e *Engine) Flush(ctx context.Context) error {
	return e.writer.Flush(ctx)
}

// Reconcile re-syncs with the full remote state outside the connection monitor.
func (e *Engine) Reconcile(ctx context.Context) (subscriber.Report, error) {
	return e.subscriber.Reconcile(ctx)
}

// Close tears the engine down: timers first, then the change subscription, the
// connection monitor and presence, then one last flush, then the stores.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	var errs []error
	e.writer.Stop()
	if err := e.subscriber.Stop(); err != nil {
		errs = append(errs, err)
	}
	e.monitor.Stop()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	if e.presence != nil {
		if err := e.presence.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.writer.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, syncErrors.E(syncErrors.OpClose, component, err))
	}
	if e.presenceStore != nil {
		if err := e.presenceStore.Close(); err != nil {
			errs = append(errs, syncErrors.E(syncErrors.OpClose, component, err))
		}
	}

	e.logger.Info("engine closed", slog.Int("errors", len(errs)))
	return errors.Join(errs...)
}
