package subscriber

import (
	"github.com/c0deZ3R0/go-canvas-sync/store"
)

// Decision is the typed outcome of handling one change-feed event.
type Decision int

const (
	// Accepted means the local state now reflects the event.
	Accepted Decision = iota
	// DiscardedPendingWrite means the store flagged the event as carrying this
	// client's own write still in flight.
	DiscardedPendingWrite
	// DiscardedEcho means a live pending-write entry exists for the entity.
	DiscardedEcho
	// DiscardedStale means the local copy has the same or a later commit time.
	DiscardedStale
	// Rejected means the document could not be decoded.
	Rejected
	// Ignored means a removal for an entity that is not held locally.
	Ignored
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case DiscardedPendingWrite:
		return "discarded_pending_write"
	case DiscardedEcho:
		return "discarded_echo"
	case DiscardedStale:
		return "discarded_stale"
	case Rejected:
		return "rejected"
	case Ignored:
		return "ignored"
	}
	return "unknown"
}

// Discarded reports whether the event was dropped by echo suppression or the merge
// policy.
func (d Decision) Discarded() bool {
	return d == DiscardedPendingWrite || d == DiscardedEcho || d == DiscardedStale
}

// Result pairs an event with its decision. Err is set for Rejected.
type Result struct {
	EntityID string
	Type     store.ChangeType
	Decision Decision
	Err      error
}

// DecisionObserver receives every decision, in feed order.
type DecisionObserver func(Result)
