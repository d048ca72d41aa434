// Package writer implements the write path: optimistic local apply, pending-write
// bookkeeping and coalesced durable writes to the remote store.
//
// A drag emits many intents but should cost one write. QueueWrite with immediate=false
// (re)arms a debounce timer; immediate=true flushes right away, for gesture ends.
package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-canvas-sync/backoff"
	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/ledger"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/metrics"
	"github.com/c0deZ3R0/go-canvas-sync/state"
	"github.com/c0deZ3R0/go-canvas-sync/store"
)

const component = syncErrors.Component("writer")

const (
	DefaultDebounce     = 100 * time.Millisecond
	DefaultWriteTimeout = 10 * time.Second
)

// ErrStopped is returned when queueing on a stopped coordinator.
var ErrStopped = syncErrors.E(syncErrors.OpQueue, component, syncErrors.KindClosed, "write coordinator is stopped")

// Coordinator is safe for concurrent use.
type Coordinator struct {
	container *state.Container
	ledger    *ledger.Ledger
	store     store.EntityStore

	author       string
	debounce     time.Duration
	writeTimeout time.Duration
	retry        backoff.Strategy
	now          func() time.Time
	logger       *slog.Logger
	metrics      metrics.Collector

	mu         sync.Mutex
	upserts    *buffer[canvas.Entity]
	deletes    *buffer[time.Time]
	debounceT  *time.Timer
	retryT     *time.Timer
	retryCount int
	stopped    bool
	inflight   sync.WaitGroup

	// flushMu keeps at most one batch write in flight.
	flushMu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAuthor sets the author id stamped on entities this client creates.
func WithAuthor(id string) Option {
	return func(w *Coordinator) { w.author = id }
}

func WithDebounce(d time.Duration) Option {
	return func(w *Coordinator) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWriteTimeout bounds a single batch write.
func WithWriteTimeout(d time.Duration) Option {
	return func(w *Coordinator) {
		if d > 0 {
			w.writeTimeout = d
		}
	}
}

// WithRetryBackoff sets the schedule for re-flushing after a failed write.
func WithRetryBackoff(s backoff.Strategy) Option {
	return func(w *Coordinator) {
		if s != nil {
			w.retry = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Coordinator) { w.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Coordinator) { w.logger = l }
}

func WithMetrics(m metrics.Collector) Option {
	return func(w *Coordinator) { w.metrics = m }
}

// New creates a coordinator writing to s.
func New(c *state.Container, l *ledger.Ledger, s store.EntityStore, opts ...Option) *Coordinator {
	w := &Coordinator{
		container:    c,
		ledger:       l,
		store:        s,
		debounce:     DefaultDebounce,
		writeTimeout: DefaultWriteTimeout,
		retry:        backoff.Write(),
		now:          time.Now,
		upserts:      newBuffer[canvas.Entity](),
		deletes:      newBuffer[time.Time](),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.Or(w.logger, logging.Component(component))
	w.metrics = metrics.Or(w.metrics)
	return w
}

// ApplyLocalChange merges patch into the local copy of id and stamps a fresh issue
// time. It creates the entity when absent and never performs I/O. An empty id gets a
// new one.
func (w *Coordinator) ApplyLocalChange(id string, patch canvas.Patch) canvas.Entity {
	var out canvas.Entity
	w.container.MutateEntities(func(tx *state.EntityTx) {
		out = w.applyLocked(tx, id, patch)
	})
	return out
}

func (w *Coordinator) applyLocked(tx *state.EntityTx, id string, patch canvas.Patch) canvas.Entity {
	if id == "" {
		id = canvas.NewID()
	}
	e, ok := tx.Get(id)
	if !ok {
		kind := canvas.KindRectangle
		if patch.Kind != nil {
			kind = *patch.Kind
		}
		e = canvas.NewEntity(id, kind)
		e.DrawOrder = tx.NextDrawOrder()
		e.AuthorID = w.author
	}
	e = patch.Apply(e)

	// Issue times strictly increase per entity so a confirmed write can be matched to
	// the exact local version it carried.
	issued := w.now()
	if !issued.After(e.IssuedAt) {
		issued = e.IssuedAt.Add(time.Nanosecond)
	}
	e.IssuedAt = issued
	tx.Put(e)
	return e
}

// QueueWrite records a pending write for id and buffers full for the next flush.
// A buffered delete for id is dropped.
func (w *Coordinator) QueueWrite(id string, full canvas.Entity, immediate bool) error {
	if id == "" {
		return syncErrors.E(syncErrors.OpQueue, component, syncErrors.KindInvalid, "empty entity id")
	}
	if full.IssuedAt.IsZero() {
		full.IssuedAt = w.now()
	}
	full.ID = id

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	w.ledger.Mark(id, full.IssuedAt)
	w.deletes.remove(id)
	w.upserts.put(id, full)
	w.scheduleLocked(immediate)
	return nil
}

// Change applies patch locally and queues the result, consulting and updating the
// ledger inside the same critical section as the entity map.
func (w *Coordinator) Change(id string, patch canvas.Patch, immediate bool) (canvas.Entity, error) {
	var (
		out canvas.Entity
		err error
	)
	w.container.MutateEntities(func(tx *state.EntityTx) {
		w.mu.Lock()
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			err = ErrStopped
			return
		}
		out = w.applyLocked(tx, id, patch)
		err = w.QueueWrite(out.ID, out, immediate)
	})
	return out, err
}

// DeleteEntities removes ids locally and buffers their deletion.
func (w *Coordinator) DeleteEntities(ids []string, immediate bool) error {
	if len(ids) == 0 {
		return nil
	}
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	issued := w.now()
	w.container.MutateEntities(func(tx *state.EntityTx) {
		for _, id := range ids {
			tx.Delete(id)
			w.ledger.Mark(id, issued)
		}
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	for _, id := range ids {
		w.upserts.remove(id)
		w.deletes.put(id, issued)
	}
	w.scheduleLocked(immediate)
	return nil
}

// Pending returns the number of buffered upserts and deletes.
func (w *Coordinator) Pending() (upserts, deletes int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.upserts.len(), w.deletes.len()
}

// Discard drops buffered upserts and deletes for ids whose pending-write entry is no
// longer live, and returns the ids it dropped. Reconciliation calls it once the remote
// state has settled those ids.
func (w *Coordinator) Discard(ids ...string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var dropped []string
	for _, id := range ids {
		if !w.upserts.has(id) && !w.deletes.has(id) {
			continue
		}
		if w.ledger.IsPending(id) {
			continue
		}
		w.upserts.remove(id)
		w.deletes.remove(id)
		dropped = append(dropped, id)
	}
	if len(dropped) > 0 {
		w.logger.Debug("discarded buffered writes settled by the remote state",
			slog.Int("count", len(dropped)))
	}
	return dropped
}

func (w *Coordinator) scheduleLocked(immediate bool) {
	if immediate {
		if w.debounceT != nil {
			w.debounceT.Stop()
			w.debounceT = nil
		}
		w.flushAsyncLocked()
		return
	}
	if w.debounceT != nil {
		w.debounceT.Stop()
	}
	w.debounceT = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.debounceT = nil
		if !w.stopped {
			w.flushAsyncLocked()
		}
	})
}

func (w *Coordinator) flushAsyncLocked() {
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		_ = w.Flush(context.Background())
	}()
}

// Flush writes everything buffered in one batch. On failure the items are put back
// unless they were superseded meanwhile, their ledger entries stay, and a retry is
// scheduled with backoff.
func (w *Coordinator) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if w.debounceT != nil {
		w.debounceT.Stop()
		w.debounceT = nil
	}
	_, upserts := w.upserts.take()
	deleteIDs, deleteIssued := w.deletes.take()
	w.mu.Unlock()

	if len(upserts) == 0 && len(deleteIDs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()

	start := w.now()
	res, err := w.store.BatchWrite(ctx, upserts, deleteIDs)
	w.metrics.RecordDuration(string(syncErrors.OpFlush), w.now().Sub(start))
	if err != nil {
		err = syncErrors.E(syncErrors.OpFlush, component, err)
		w.metrics.RecordErrors(string(syncErrors.OpFlush), string(syncErrors.KindOf(err)))
		w.restore(upserts, deleteIDs, deleteIssued)
		delay := w.scheduleRetry()
		w.logger.Warn("batch write failed, will retry",
			slog.Int("upserts", len(upserts)),
			slog.Int("deletes", len(deleteIDs)),
			slog.Bool("retryable", syncErrors.IsRetryable(err)),
			slog.Duration("retry_in", delay),
			logging.Err(err))
		return err
	}

	w.mu.Lock()
	w.retryCount = 0
	if w.retryT != nil {
		w.retryT.Stop()
		w.retryT = nil
	}
	w.mu.Unlock()

	var synced time.Time
	w.container.MutateEntities(func(tx *state.EntityTx) {
		for _, up := range upserts {
			at := res.CommittedAt[up.ID]
			if at.After(synced) {
				synced = at
			}
			local, ok := tx.Get(up.ID)
			if ok && local.IssuedAt.Equal(up.IssuedAt) && at.After(local.CommittedAt) {
				local.CommittedAt = at
				tx.Put(local)
			}
			w.ledger.Resolve(up.ID, up.IssuedAt)
		}
		for i, id := range deleteIDs {
			if at := res.CommittedAt[id]; at.After(synced) {
				synced = at
			}
			w.ledger.Resolve(id, deleteIssued[i])
		}
	})
	if synced.IsZero() {
		synced = w.now()
	}
	w.container.MarkSynced(synced)
	w.metrics.RecordWrites(len(upserts), len(deleteIDs))

	w.logger.Debug("batch write committed",
		slog.Int("upserts", len(upserts)),
		slog.Int("deletes", len(deleteIDs)))
	return nil
}

// restore puts failed items back unless a newer upsert or delete for the same id was
// buffered while the write was in flight.
func (w *Coordinator) restore(upserts []canvas.Entity, deleteIDs []string, deleteIssued []time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pendingUps, pendingDels := w.upserts, w.deletes
	w.upserts, w.deletes = newBuffer[canvas.Entity](), newBuffer[time.Time]()

	for _, up := range upserts {
		if !pendingUps.has(up.ID) && !pendingDels.has(up.ID) {
			w.upserts.put(up.ID, up)
		}
	}
	for i, id := range deleteIDs {
		if !pendingUps.has(id) && !pendingDels.has(id) {
			w.deletes.put(id, deleteIssued[i])
		}
	}
	ids, ups := pendingUps.take()
	for i, id := range ids {
		w.upserts.put(id, ups[i])
	}
	ids, dels := pendingDels.take()
	for i, id := range ids {
		w.deletes.put(id, dels[i])
	}
}

func (w *Coordinator) scheduleRetry() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return 0
	}
	delay := w.retry.NextDelay(w.retryCount)
	w.retryCount++
	if w.retryT != nil {
		w.retryT.Stop()
	}
	w.retryT = time.AfterFunc(delay, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.retryT = nil
		if !w.stopped {
			w.flushAsyncLocked()
		}
	})
	return delay
}

// Stop clears the debounce and retry timers and rejects further queueing. Buffered
// items stay until Close or an explicit Flush.
func (w *Coordinator) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.debounceT != nil {
		w.debounceT.Stop()
		w.debounceT = nil
	}
	if w.retryT != nil {
		w.retryT.Stop()
		w.retryT = nil
	}
}

// Close stops the coordinator, waits for background flushes and force-flushes what
// is left.
func (w *Coordinator) Close(ctx context.Context) error {
	w.Stop()
	w.inflight.Wait()
	if err := w.Flush(ctx); err != nil {
		return syncErrors.E(syncErrors.OpClose, component, err)
	}
	return nil
}
