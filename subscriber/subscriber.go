// Package subscriber implements the read path: it merges the remote change feed into
// the local state container, suppressing echoes of this client's own writes, and owns
// full-state reconciliation after a connectivity gap.
//
// Echo suppression has two layers. The store's pending-write flag is checked first;
// the local pending-write ledger backs it up for when the flag is missing, for example
// right after a reconnect. The subscriber never writes to the store.
package subscriber

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/ledger"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/merge"
	"github.com/c0deZ3R0/go-canvas-sync/metrics"
	"github.com/c0deZ3R0/go-canvas-sync/state"
	"github.com/c0deZ3R0/go-canvas-sync/store"
)

const component = syncErrors.Component("subscriber")

// DefaultStaleness is how old a pending-write entry may be before reconciliation
// drops it unconditionally.
const DefaultStaleness = 30 * time.Second

// Subscriber is safe for concurrent use.
type Subscriber struct {
	container *state.Container
	ledger    *ledger.Ledger
	store     store.EntityStore

	staleness time.Duration
	observer  DecisionObserver
	discarder Discarder
	now       func() time.Time
	logger    *slog.Logger
	metrics   metrics.Collector

	mu     sync.Mutex
	sub    store.Subscription
	cancel context.CancelFunc
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithStaleness sets the age past which reconciliation purges ledger entries.
func WithStaleness(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.staleness = d
		}
	}
}

// Discarder drops buffered local writes for ids whose pending-write entry has lapsed.
// It returns the ids it dropped.
type Discarder interface {
	Discard(ids ...string) []string
}

// WithDiscarder hands every id settled by reconciliation to d, so a buffered write
// that lost its ledger entry cannot resurrect state the remote store has replaced.
func WithDiscarder(d Discarder) Option {
	return func(s *Subscriber) { s.discarder = d }
}

// WithObserver registers fn to receive every decision.
func WithObserver(fn DecisionObserver) Option {
	return func(s *Subscriber) { s.observer = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Subscriber) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Subscriber) { s.logger = l }
}

func WithMetrics(m metrics.Collector) Option {
	return func(s *Subscriber) { s.metrics = m }
}

// New creates a subscriber reading from s.
func New(c *state.Container, l *ledger.Ledger, s store.EntityStore, opts ...Option) *Subscriber {
	sub := &Subscriber{
		container: c,
		ledger:    l,
		store:     s,
		staleness: DefaultStaleness,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(sub)
	}
	sub.logger = logging.Or(sub.logger, logging.Component(component))
	sub.metrics = metrics.Or(sub.metrics)
	return sub
}

// Start opens the standing subscription. Starting twice is a no-op.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	sub, err := s.store.Subscribe(ctx, func(changes []store.Change) {
		s.HandleChanges(changes)
	})
	if err != nil {
		cancel()
		return syncErrors.E(syncErrors.OpSubscribe, component, err)
	}
	s.sub = sub
	s.cancel = cancel
	s.logger.Debug("change feed subscription opened")
	return nil
}

// Stop tears down the subscription.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	sub, cancel := s.sub, s.cancel
	s.sub, s.cancel = nil, nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	cancel()
	if err := sub.Unsubscribe(); err != nil {
		return syncErrors.E(syncErrors.OpSubscribe, component, err)
	}
	return nil
}

// HandleChanges handles a batch of events in order.
func (s *Subscriber) HandleChanges(changes []store.Change) []Result {
	results := make([]Result, 0, len(changes))
	for _, ch := range changes {
		results = append(results, s.HandleChange(ch))
	}
	return results
}

// HandleChange runs one event through echo suppression and the merge policy.
func (s *Subscriber) HandleChange(ch store.Change) Result {
	res := Result{EntityID: ch.Document.ID, Type: ch.Type}

	if ch.HasPendingLocalWrites {
		res.Decision = DiscardedPendingWrite
		s.report(res)
		return res
	}

	var incoming canvas.Entity
	if ch.Type != store.Removed {
		e, err := canvas.DecodeDocument(ch.Document.ID, ch.Document.Data, ch.Document.CommittedAt)
		if err != nil {
			res.Decision = Rejected
			res.Err = err
			s.report(res)
			return res
		}
		incoming = e
		res.EntityID = e.ID
	}

	s.container.MutateEntities(func(tx *state.EntityTx) {
		res.Decision = s.decideLocked(tx, ch.Type, res.EntityID, incoming)
	})
	s.report(res)
	return res
}

// decideLocked runs with the container locked so the ledger check and the entity
// update cannot interleave with a local write.
func (s *Subscriber) decideLocked(tx *state.EntityTx, typ store.ChangeType, id string, incoming canvas.Entity) Decision {
	if s.ledger.IsPending(id) {
		return DiscardedEcho
	}

	local, ok := tx.Get(id)
	if typ == store.Removed {
		if !ok {
			return Ignored
		}
		tx.Delete(id)
		return Accepted
	}

	var cur *canvas.Entity
	if ok {
		cur = &local
	}
	if merge.Decide(cur, incoming) != merge.Accept {
		return DiscardedStale
	}
	tx.Put(incoming)
	return Accepted
}

func (s *Subscriber) report(res Result) {
	s.metrics.RecordDecision(res.Decision.String())
	switch res.Decision {
	case Rejected:
		s.logger.Warn("dropping undecodable document",
			slog.String("entity_id", res.EntityID),
			slog.String("error", res.Err.Error()))
	case Accepted:
		s.container.MarkSynced(s.now())
		fallthrough
	default:
		s.logger.Debug("change handled",
			slog.String("entity_id", res.EntityID),
			slog.String("type", res.Type.String()),
			slog.String("decision", res.Decision.String()))
	}
	if s.observer != nil {
		s.observer(res)
	}
}
