package store

import (
	"context"
	"sync"
)

// Fanout is the change-feed handler registry shared by the database-backed stores.
type Fanout struct {
	mu      sync.RWMutex
	subs    map[uint64]func([]Change)
	nextSub uint64
}

func NewFanout() *Fanout {
	return &Fanout{subs: make(map[uint64]func([]Change))}
}

// Add registers handler until the returned subscription is closed or ctx ends.
func (f *Fanout) Add(ctx context.Context, handler func([]Change)) Subscription {
	f.mu.Lock()
	f.nextSub++
	id := f.nextSub
	f.subs[id] = handler
	f.mu.Unlock()

	var once sync.Once
	unsubscribe := func() error {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = unsubscribe()
	}()
	return SubscriptionFunc(unsubscribe)
}

// Deliver hands changes to every registered handler, in the caller's goroutine.
func (f *Fanout) Deliver(changes []Change) {
	if len(changes) == 0 {
		return
	}
	f.mu.RLock()
	handlers := make([]func([]Change), 0, len(f.subs))
	for _, fn := range f.subs {
		handlers = append(handlers, fn)
	}
	f.mu.RUnlock()
	for _, fn := range handlers {
		fn(changes)
	}
}

// DeliverPending shows a write to this handle's subscribers before it commits. The
// changes carry HasPendingLocalWrites and no commit time.
func (f *Fanout) DeliverPending(docs []Document, deletes []string) {
	changes := make([]Change, 0, len(docs)+len(deletes))
	for _, d := range docs {
		changes = append(changes, Change{Type: Modified, Document: d, HasPendingLocalWrites: true})
	}
	for _, id := range deletes {
		changes = append(changes, Change{Type: Removed, Document: Document{ID: id}, HasPendingLocalWrites: true})
	}
	f.Deliver(changes)
}

// Reset drops every handler.
func (f *Fanout) Reset() {
	f.mu.Lock()
	f.subs = make(map[uint64]func([]Change))
	f.mu.Unlock()
}

// Len returns the number of registered handlers.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
