// Package presence implements the ephemeral presence channel: throttled,
// fire-and-forget position updates and heartbeat-based liveness. Presence never goes
// through the pending-write ledger or the entity merge policy; a stale position is
// corrected by the next update.
package presence

import (
	"context"
	"sync"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	"github.com/c0deZ3R0/go-canvas-sync/store"
)

// Store carries presence records between sessions. No ordering guarantee is
// required.
type Store interface {
	Publish(ctx context.Context, p canvas.Presence) error
	Subscribe(ctx context.Context, handler func(canvas.Presence)) (store.Subscription, error)
	List(ctx context.Context) ([]canvas.Presence, error)
	Close() error
}

// Hub is an in-process Store shared by every channel in one process.
type Hub struct {
	mu      sync.Mutex
	records map[string]canvas.Presence
	subs    map[uint64]func(canvas.Presence)
	nextSub uint64
}

var _ Store = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		records: make(map[string]canvas.Presence),
		subs:    make(map[uint64]func(canvas.Presence)),
	}
}

func (h *Hub) Publish(ctx context.Context, p canvas.Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	h.records[p.SessionID] = p
	handlers := make([]func(canvas.Presence), 0, len(h.subs))
	for _, fn := range h.subs {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(p)
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, handler func(canvas.Presence)) (store.Subscription, error) {
	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	h.subs[id] = handler
	h.mu.Unlock()

	return store.SubscriptionFunc(func() error {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		return nil
	}), nil
}

func (h *Hub) List(ctx context.Context) ([]canvas.Presence, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]canvas.Presence, 0, len(h.records))
	for _, p := range h.records {
		out = append(out, p)
	}
	return out, nil
}

func (h *Hub) Close() error { return nil }
