// Package memstore is an in-process remote store. A Server holds the committed
// documents; each engine talks to it through its own Client handle, which can be
// disconnected to simulate a network partition.
//
// Delivery is synchronous: every change-feed handler has run by the time BatchWrite
// returns. The writing handle first sees its own write flagged as pending, then the
// committed change, like a store with latency compensation.
package memstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/store"
)

const component = syncErrors.Component("store/memstore")

// Server is the shared document store.
type Server struct {
	// writeMu serializes commit and delivery so every handle observes changes in
	// commit order.
	writeMu sync.Mutex

	mu      sync.Mutex
	docs    map[string]store.Document
	last    time.Time
	clients map[*Client]struct{}
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		docs:    make(map[string]store.Document),
		clients: make(map[*Client]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Or(s.logger, logging.Component(component))
	return s
}

// Client returns a new online handle.
func (s *Server) Client(name string) *Client {
	c := &Client{
		server:    s,
		name:      name,
		online:    true,
		subs:      make(map[uint64]func([]store.Change)),
		transport: make(chan store.TransportEvent, 32),
		logger:    s.logger.With(slog.String("client", name)),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	return c
}

// Document returns the committed document for id.
func (s *Server) Document(id string) (store.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	return d, ok
}

// Documents returns every committed document sorted by id.
func (s *Server) Documents() []store.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// nextCommitLocked returns a commit time strictly after every earlier one.
func (s *Server) nextCommitLocked() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Server) commit(upserts []store.Document, deletes []string) (store.WriteResult, []store.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := store.WriteResult{CommittedAt: make(map[string]time.Time, len(upserts)+len(deletes))}
	changes := make([]store.Change, 0, len(upserts)+len(deletes))
	for _, d := range upserts {
		typ := store.Added
		if _, ok := s.docs[d.ID]; ok {
			typ = store.Modified
		}
		d.CommittedAt = s.nextCommitLocked()
		d.Data = append(json.RawMessage(nil), d.Data...)
		s.docs[d.ID] = d
		res.CommittedAt[d.ID] = d.CommittedAt
		changes = append(changes, store.Change{Type: typ, Document: d})
	}
	for _, id := range deletes {
		if _, ok := s.docs[id]; !ok {
			continue
		}
		delete(s.docs, id)
		at := s.nextCommitLocked()
		res.CommittedAt[id] = at
		changes = append(changes, store.Change{Type: store.Removed, Document: store.Document{ID: id, CommittedAt: at}})
	}
	return res, changes
}

func (s *Server) onlineClients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) forget(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// Client is one engine's handle on the Server. It implements store.EntityStore,
// store.TransportNotifier and store.Reconnector.
type Client struct {
	server *Server
	name   string

	mu          sync.Mutex
	online      bool
	partitioned bool
	closed      bool
	subs        map[uint64]func([]store.Change)
	nextSub     uint64
	batches     int

	transport chan store.TransportEvent
	logger    *slog.Logger
}

var (
	_ store.EntityStore       = (*Client)(nil)
	_ store.TransportNotifier = (*Client)(nil)
	_ store.Reconnector       = (*Client)(nil)
)

func (c *Client) Name() string { return c.name }

// Online reports whether the handle can reach the server.
func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Batches returns how many BatchWrite calls this handle has committed.
func (c *Client) Batches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

func (c *Client) Transport() <-chan store.TransportEvent {
	return c.transport
}

// Disconnect partitions the handle from the server. Writes and reads fail with a
// retryable error and feed events are missed until Heal and Reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed || !c.online {
		c.partitioned = true
		c.mu.Unlock()
		return
	}
	c.online = false
	c.partitioned = true
	c.mu.Unlock()
	c.emit(store.Lost)
}

// Heal ends the partition. The handle stays offline until Reconnect.
func (c *Client) Heal() {
	c.mu.Lock()
	c.partitioned = false
	c.mu.Unlock()
}

// Reconnect re-establishes the handle. It fails while the partition lasts.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return store.ErrStoreClosed
	}
	if c.online {
		c.mu.Unlock()
		return nil
	}
	partitioned := c.partitioned
	if !partitioned {
		c.online = true
	}
	c.mu.Unlock()

	c.emit(store.Reconnecting)
	if partitioned {
		c.emit(store.ReconnectFailed)
		return syncErrors.E(syncErrors.OpConnect, component, syncErrors.ErrCodeNetworkFailure, store.ErrOffline)
	}
	c.logger.Info("memstore client reconnected")
	c.emit(store.Recovered)
	return nil
}

func (c *Client) BatchWrite(ctx context.Context, upserts []canvas.Entity, deletes []string) (store.WriteResult, error) {
	if err := c.check(ctx, syncErrors.OpFlush); err != nil {
		return store.WriteResult{}, err
	}
	docs, err := store.EncodeUpserts(upserts)
	if err != nil {
		return store.WriteResult{}, err
	}

	c.server.writeMu.Lock()
	defer c.server.writeMu.Unlock()

	// Latency compensation: the writer's own feed sees the write before it commits.
	pending := make([]store.Change, 0, len(docs)+len(deletes))
	for _, d := range docs {
		typ := store.Modified
		if _, ok := c.server.Document(d.ID); !ok {
			typ = store.Added
		}
		pending = append(pending, store.Change{Type: typ, Document: d, HasPendingLocalWrites: true})
	}
	for _, id := range deletes {
		if _, ok := c.server.Document(id); ok {
			pending = append(pending, store.Change{Type: store.Removed, Document: store.Document{ID: id}, HasPendingLocalWrites: true})
		}
	}
	c.deliver(pending)

	res, changes := c.server.commit(docs, deletes)
	c.mu.Lock()
	c.batches++
	c.mu.Unlock()

	for _, other := range c.server.onlineClients() {
		other.deliver(changes)
	}
	return res, nil
}

func (c *Client) Subscribe(ctx context.Context, handler func([]store.Change)) (store.Subscription, error) {
	if err := c.check(ctx, syncErrors.OpSubscribe); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = handler
	c.mu.Unlock()

	unsubscribe := func() error {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = unsubscribe()
	}()
	return store.SubscriptionFunc(unsubscribe), nil
}

func (c *Client) FetchAll(ctx context.Context) ([]store.Document, error) {
	if err := c.check(ctx, syncErrors.OpFetch); err != nil {
		return nil, err
	}
	return c.server.Documents(), nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.online = false
	c.subs = make(map[uint64]func([]store.Change))
	close(c.transport)
	c.mu.Unlock()

	c.server.forget(c)
	return nil
}

func (c *Client) check(ctx context.Context, op syncErrors.Operation) error {
	if err := ctx.Err(); err != nil {
		return syncErrors.E(op, component, syncErrors.KindTimeout, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return syncErrors.E(op, component, store.ErrStoreClosed)
	case !c.online:
		return syncErrors.E(op, component, syncErrors.ErrCodeNetworkFailure, store.ErrOffline)
	}
	return nil
}

// deliver runs every handler of an online handle. Offline handles miss the events.
func (c *Client) deliver(changes []store.Change) {
	if len(changes) == 0 {
		return
	}
	c.mu.Lock()
	if !c.online {
		c.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func([]store.Change), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.subs[id])
	}
	c.mu.Unlock()

	for _, h := range handlers {
		batch := make([]store.Change, len(changes))
		copy(batch, changes)
		h(batch)
	}
}

func (c *Client) emit(ev store.TransportEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.transport <- ev:
	default:
		c.logger.Warn("dropping transport event, channel full", slog.String("event", ev.String()))
	}
}
