// Package connection drives the connected / disconnected / reconnecting state machine
// from transport events and triggers reconciliation when the transport recovers.
//
// Transitions:
//
//	connected    --Lost-->            disconnected
//	disconnected --Reconnecting-->    reconnecting
//	reconnecting --Recovered-->       connected (then reconcile)
//	reconnecting --ReconnectFailed--> disconnected (retry with backoff)
//
// A failed reconciliation drops back to disconnected and retries. Every transition
// is written to the state container; entity traffic never changes the status.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-canvas-sync/backoff"
	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/metrics"
	"github.com/c0deZ3R0/go-canvas-sync/state"
	"github.com/c0deZ3R0/go-canvas-sync/store"
	"github.com/c0deZ3R0/go-canvas-sync/subscriber"
)

const component = syncErrors.Component("connection")

// DefaultReconcileTimeout bounds one reconciliation pass.
const DefaultReconcileTimeout = 30 * time.Second

// Reconciler re-syncs local state with the full remote state.
type Reconciler interface {
	Reconcile(ctx context.Context) (subscriber.Report, error)
}

// Flusher pushes buffered local writes; the monitor calls it after a successful
// reconciliation so writes queued while offline go out without waiting for a timer.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Monitor is safe for concurrent use.
type Monitor struct {
	container   *state.Container
	reconciler  Reconciler
	reconnector store.Reconnector
	flusher     Flusher

	backoff          backoff.Strategy
	reconcileTimeout time.Duration
	logger           *slog.Logger
	metrics          metrics.Collector

	// publishMu orders writes of the status into the container.
	publishMu sync.Mutex

	mu       sync.Mutex
	status   canvas.ConnectionStatus
	attempt  int
	retryT   *time.Timer
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithReconnector lets the monitor drive reconnection itself on a backoff schedule.
// Without one it waits for the transport to report recovery.
func WithReconnector(r store.Reconnector) Option {
	return func(m *Monitor) { m.reconnector = r }
}

func WithFlusher(f Flusher) Option {
	return func(m *Monitor) { m.flusher = f }
}

func WithBackoff(s backoff.Strategy) Option {
	return func(m *Monitor) {
		if s != nil {
			m.backoff = s
		}
	}
}

func WithReconcileTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.reconcileTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func WithMetrics(mc metrics.Collector) Option {
	return func(m *Monitor) { m.metrics = mc }
}

// New creates a monitor in the connected state.
func New(c *state.Container, r Reconciler, opts ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		container:        c,
		reconciler:       r,
		backoff:          backoff.Reconnect(),
		reconcileTimeout: DefaultReconcileTimeout,
		status:           canvas.StatusConnected,
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Or(m.logger, logging.Component(component))
	m.metrics = metrics.Or(m.metrics)
	return m
}

// Status returns the current state.
func (m *Monitor) Status() canvas.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts returns the number of retries since the last successful reconciliation.
func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Run consumes transport events until ctx ends, the channel closes or Stop is called.
func (m *Monitor) Run(ctx context.Context, n store.TransportNotifier) {
	events := n.Transport()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.HandleTransport(ev)
		}
	}
}

// HandleTransport applies one transport event to the state machine.
func (m *Monitor) HandleTransport(ev store.TransportEvent) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	from := m.status
	to, ok := next(from, ev)
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("ignoring transport event",
			slog.String("event", ev.String()),
			slog.String("status", string(from)))
		return
	}
	m.status = to

	switch ev {
	case store.Lost, store.ReconnectFailed:
		if m.reconnector != nil {
			m.scheduleRetryLocked()
		}
	case store.Recovered:
		m.stopRetryLocked()
	}
	m.mu.Unlock()
	m.publish()

	m.logger.Info("connection status changed",
		slog.String("event", ev.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)))

	if ev == store.Recovered {
		m.reconcile()
	}
}

func next(from canvas.ConnectionStatus, ev store.TransportEvent) (canvas.ConnectionStatus, bool) {
	switch ev {
	case store.Lost:
		if from == canvas.StatusConnected || from == canvas.StatusReconnecting {
			return canvas.StatusDisconnected, true
		}
	case store.Reconnecting:
		if from == canvas.StatusDisconnected {
			return canvas.StatusReconnecting, true
		}
	case store.Recovered:
		if from == canvas.StatusReconnecting {
			return canvas.StatusConnected, true
		}
	case store.ReconnectFailed:
		if from == canvas.StatusReconnecting {
			return canvas.StatusDisconnected, true
		}
	}
	return from, false
}

// publish copies the current status into the container. It runs without m.mu held
// because container subscribers are called synchronously and may read Status.
func (m *Monitor) publish() {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	status := m.Status()
	if m.container.Connection().Status == status {
		return
	}
	m.container.SetConnection(status)
	m.metrics.RecordConnectionState(string(status))
}

func (m *Monitor) reconcile() {
	ctx, cancel := context.WithTimeout(m.ctx, m.reconcileTimeout)
	defer cancel()

	rep, err := m.reconciler.Reconcile(ctx)
	if err != nil {
		m.mu.Lock()
		dropped := !m.stopped && m.status == canvas.StatusConnected
		if dropped {
			m.status = canvas.StatusDisconnected
			m.scheduleRetryLocked()
		}
		m.mu.Unlock()
		if dropped {
			m.publish()
		}
		m.logger.Warn("reconciliation failed",
			logging.Err(err),
			slog.Bool("retryable", syncErrors.IsRetryable(err)))
		return
	}

	m.mu.Lock()
	m.attempt = 0
	m.mu.Unlock()

	m.logger.Debug("reconciliation finished",
		slog.Int("added", rep.Added),
		slog.Int("removed", rep.Removed),
		slog.Int("updated", rep.Updated))

	if m.flusher != nil {
		if err := m.flusher.Flush(ctx); err != nil {
			m.logger.Warn("flush after reconciliation failed", logging.Err(err))
		}
	}
}

func (m *Monitor) scheduleRetryLocked() {
	if m.stopped {
		return
	}
	delay := m.backoff.NextDelay(m.attempt)
	m.attempt++
	m.stopRetryLocked()
	m.inflight.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer m.inflight.Done()
		m.mu.Lock()
		if m.retryT == t {
			m.retryT = nil
		}
		stopped := m.stopped
		m.mu.Unlock()
		if !stopped {
			m.Retry()
		}
	})
	m.retryT = t
	m.logger.Debug("reconnect scheduled", slog.Duration("delay", delay), slog.Int("attempt", m.attempt))
}

func (m *Monitor) stopRetryLocked() {
	if m.retryT != nil && m.retryT.Stop() {
		m.inflight.Done()
	}
	m.retryT = nil
}

// Retry moves a disconnected monitor through reconnecting. With a Reconnector it
// re-establishes the transport first; without one it only re-attempts reconciliation.
func (m *Monitor) Retry() {
	m.HandleTransport(store.Reconnecting)
	if m.reconnector != nil {
		if err := m.reconnector.Reconnect(m.ctx); err != nil {
			m.logger.Debug("reconnect attempt failed", logging.Err(err))
			m.HandleTransport(store.ReconnectFailed)
			return
		}
	}
	m.HandleTransport(store.Recovered)
}

// Stop cancels pending retries and in-flight reconciliation and waits for them.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.stopRetryLocked()
	m.cancel()
	m.mu.Unlock()
	m.inflight.Wait()
}
