// Package state implements the local state container: the single in-memory source of
// truth the UI renders from. It holds the entity map, selection, viewport, presence
// records and connection status, and notifies subscribers when a slice changes.
//
// Only the write coordinator and the change subscriber mutate entities, through
// MutateEntities. Everything else reads through Reader.
package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
)

// Slice identifies a part of the container state. Values combine as bit flags.
type Slice uint8

const (
	SliceEntities Slice = 1 << iota
	SliceSelection
	SliceViewport
	SlicePresence
	SliceConnection

	SliceAll = SliceEntities | SliceSelection | SliceViewport | SlicePresence | SliceConnection
)

// Has reports whether s includes every flag in other.
func (s Slice) Has(other Slice) bool {
	return s&other == other
}

// Snapshot is a consistent copy of the container taken right after a mutation.
// Changed names the slices the mutation touched.
type Snapshot struct {
	Changed    Slice
	Version    uint64
	Entities   []canvas.Entity
	Selection  []string
	Viewport   canvas.Viewport
	Presence   []canvas.Presence
	Connection canvas.ConnectionState
}

// Reader is the read-only consumer API.
type Reader interface {
	Entity(id string) (canvas.Entity, bool)
	Entities() []canvas.Entity
	Selection() []string
	Viewport() canvas.Viewport
	Presence() []canvas.Presence
	Connection() canvas.ConnectionState
	Version() uint64
	NextDrawOrder() float64
	Subscribe(slices Slice, fn func(Snapshot)) (unsubscribe func())
}

type subscriber struct {
	id     uint64
	slices Slice
	fn     func(Snapshot)
}

// Container is safe for concurrent use.
type Container struct {
	mu         sync.RWMutex
	entities   map[string]canvas.Entity
	selection  []string
	viewport   canvas.Viewport
	presence   map[string]canvas.Presence
	connection canvas.ConnectionState
	version    uint64

	subMu   sync.Mutex
	subs    []subscriber
	nextSub uint64

	logger *slog.Logger
}

// Option configures a Container.
type Option func(*Container)

// WithLogger sets the logger used to report subscriber panics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Container) { c.logger = l }
}

// WithEntities seeds the container, for tests and cold starts from a cache.
func WithEntities(entities ...canvas.Entity) Option {
	return func(c *Container) {
		for _, e := range entities {
			c.entities[e.ID] = e
		}
	}
}

// New returns an empty container. The connection starts out connected.
func New(opts ...Option) *Container {
	c := &Container{
		entities:   make(map[string]canvas.Entity),
		presence:   make(map[string]canvas.Presence),
		viewport:   canvas.Viewport{Zoom: 1},
		connection: canvas.ConnectionState{Status: canvas.StatusConnected},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Or(c.logger, "state")
	return c
}

var _ Reader = (*Container)(nil)

func (c *Container) Entity(id string) (canvas.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[id]
	return e, ok
}

// Entities returns every entity sorted by draw order, then id.
func (c *Container) Entities() []canvas.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedEntitiesLocked()
}

func (c *Container) Selection() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.selection...)
}

func (c *Container) Viewport() canvas.Viewport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewport
}

// Presence returns every known presence record sorted by session id, including
// offline ones. Liveness filtering belongs to the presence channel.
func (c *Container) Presence() []canvas.Presence {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedPresenceLocked()
}

func (c *Container) Connection() canvas.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connection
}

// Version increases on every mutation.
func (c *Container) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// NextDrawOrder returns one more than the highest draw order in use.
func (c *Container) NextDrawOrder() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return nextDrawOrder(c.entities)
}

// Subscribe registers fn for mutations touching any of slices. fn runs on the
// mutating goroutine after the container lock is released.
func (c *Container) Subscribe(slices Slice, fn func(Snapshot)) func() {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscriber{id: id, slices: slices, fn: fn})
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			for i, s := range c.subs {
				if s.id == id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// MutateEntities runs fn with exclusive access to the entity map. Callers that must
// consult and update the pending-write ledger atomically with the entity map do so
// inside fn. fn must not call back into the container.
func (c *Container) MutateEntities(fn func(tx *EntityTx)) {
	if snap, ok := c.mutate(fn); ok {
		c.notify(snap)
	}
}

// mutate runs fn under the lock. A panic in fn releases the lock and publishes nothing.
func (c *Container) mutate(fn func(tx *EntityTx)) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := &EntityTx{c: c}
	fn(tx)
	if !tx.changed {
		return Snapshot{}, false
	}
	changed := SliceEntities
	if tx.selectionChanged {
		changed |= SliceSelection
	}
	return c.commitLocked(changed), true
}

// SetSelection replaces the selection. Ids of unknown entities are dropped.
func (c *Container) SetSelection(ids []string) {
	c.mu.Lock()
	sel := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := c.entities[id]; ok && !seen[id] {
			sel = append(sel, id)
			seen[id] = true
		}
	}
	c.selection = sel
	snap := c.commitLocked(SliceSelection)
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Container) SetViewport(v canvas.Viewport) {
	c.mu.Lock()
	if c.viewport == v {
		c.mu.Unlock()
		return
	}
	c.viewport = v
	snap := c.commitLocked(SliceViewport)
	c.mu.Unlock()
	c.notify(snap)
}

// PutPresence inserts or replaces the record for p.SessionID.
func (c *Container) PutPresence(p canvas.Presence) {
	if p.SessionID == "" {
		return
	}
	c.mu.Lock()
	c.presence[p.SessionID] = p
	snap := c.commitLocked(SlicePresence)
	c.mu.Unlock()
	c.notify(snap)
}

// MarkPresenceOffline clears the online flag of the given sessions.
func (c *Container) MarkPresenceOffline(sessionIDs ...string) {
	c.mu.Lock()
	changed := false
	for _, id := range sessionIDs {
		p, ok := c.presence[id]
		if !ok || !p.Online {
			continue
		}
		p.Online = false
		c.presence[id] = p
		changed = true
	}
	if !changed {
		c.mu.Unlock()
		return
	}
	snap := c.commitLocked(SlicePresence)
	c.mu.Unlock()
	c.notify(snap)
}

// RemovePresence forgets sessions entirely.
func (c *Container) RemovePresence(sessionIDs ...string) {
	c.mu.Lock()
	n := len(c.presence)
	for _, id := range sessionIDs {
		delete(c.presence, id)
	}
	if n == len(c.presence) {
		c.mu.Unlock()
		return
	}
	snap := c.commitLocked(SlicePresence)
	c.mu.Unlock()
	c.notify(snap)
}

// SetConnection records a connection status transition. Setting the current status
// again is a no-op.
func (c *Container) SetConnection(status canvas.ConnectionStatus) {
	c.mu.Lock()
	if c.connection.Status == status {
		c.mu.Unlock()
		return
	}
	c.connection.Status = status
	snap := c.commitLocked(SliceConnection)
	c.mu.Unlock()
	c.notify(snap)
}

// MarkSynced records the time of the last confirmed exchange with the store.
func (c *Container) MarkSynced(t time.Time) {
	c.mu.Lock()
	if !t.After(c.connection.LastSyncedAt) {
		c.mu.Unlock()
		return
	}
	c.connection.LastSyncedAt = t
	snap := c.commitLocked(SliceConnection)
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Container) commitLocked(changed Slice) Snapshot {
	c.version++
	return Snapshot{
		Changed:    changed,
		Version:    c.version,
		Entities:   c.sortedEntitiesLocked(),
		Selection:  append([]string(nil), c.selection...),
		Viewport:   c.viewport,
		Presence:   c.sortedPresenceLocked(),
		Connection: c.connection,
	}
}

func (c *Container) notify(snap Snapshot) {
	c.subMu.Lock()
	subs := append([]subscriber(nil), c.subs...)
	c.subMu.Unlock()

	for _, s := range subs {
		if s.slices&snap.Changed == 0 {
			continue
		}
		c.deliver(s, snap)
	}
}

func (c *Container) deliver(s subscriber, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("state subscriber panicked",
				slog.Uint64("version", snap.Version),
				slog.Any("panic", r))
		}
	}()
	s.fn(snap)
}

func (c *Container) sortedEntitiesLocked() []canvas.Entity {
	out := make([]canvas.Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DrawOrder != out[j].DrawOrder {
			return out[i].DrawOrder < out[j].DrawOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Container) sortedPresenceLocked() []canvas.Presence {
	out := make([]canvas.Presence, 0, len(c.presence))
	for _, p := range c.presence {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func nextDrawOrder(entities map[string]canvas.Entity) float64 {
	var max float64
	for _, e := range entities {
		if e.DrawOrder > max {
			max = e.DrawOrder
		}
	}
	return max + 1
}
