// Package ledger implements the pending-write ledger: a map from entity id to the time
// a local write for that entity was last issued. The read path consults it to
// recognise echoes of this client's own writes.
package ledger

import (
	"sort"
	"sync"
	"time"
)

// DefaultTimeout bounds how long an entry suppresses remote changes when its write is
// never confirmed. It is a tunable, not a measured worst-case commit latency.
const DefaultTimeout = 10 * time.Second

// Entry is one pending write.
type Entry struct {
	EntityID string
	IssuedAt time.Time
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]time.Time
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger whose entries expire after timeout. A non-positive timeout
// uses DefaultTimeout.
func New(timeout time.Duration, opts ...Option) *Ledger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	l := &Ledger{
		entries: make(map[string]time.Time),
		timeout: timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Timeout returns the configured entry lifetime.
func (l *Ledger) Timeout() time.Duration {
	return l.timeout
}

// Mark inserts or refreshes the entry for id. An older issuedAt never replaces a
// newer one.
func (l *Ledger) Mark(id string, issuedAt time.Time) {
	if issuedAt.IsZero() {
		issuedAt = l.now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.entries[id]; ok && cur.After(issuedAt) {
		return
	}
	l.entries[id] = issuedAt
}

// IsPending reports whether id has a live entry. Timed-out entries are dropped.
func (l *Ledger) IsPending(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	issued, ok := l.entries[id]
	if !ok {
		return false
	}
	if l.now().Sub(issued) >= l.timeout {
		delete(l.entries, id)
		return false
	}
	return true
}

// Resolve removes the entry for id if it was not refreshed after issuedAt. It returns
// true when an entry was removed. A newer write for the same id keeps its entry so
// its echo is still suppressed.
func (l *Ledger) Resolve(id string, issuedAt time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.entries[id]
	if !ok || cur.After(issuedAt) {
		return false
	}
	delete(l.entries, id)
	return true
}

// Expire drops every entry older than the timeout and returns their ids.
func (l *Ledger) Expire() []string {
	return l.PurgeOlderThan(l.timeout)
}

// PurgeOlderThan unconditionally drops entries issued at least age ago.
func (l *Ledger) PurgeOlderThan(age time.Duration) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var dropped []string
	for id, issued := range l.entries {
		if now.Sub(issued) >= age {
			delete(l.entries, id)
			dropped = append(dropped, id)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// Entries returns a snapshot sorted by issue time.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	out := make([]Entry, 0, len(l.entries))
	for id, issued := range l.entries {
		out = append(out, Entry{EntityID: id, IssuedAt: issued})
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

// Len returns the number of entries, live or not yet expired.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
