// Package merge implements last-write-wins conflict resolution by authoritative commit
// time. Client clocks never decide between two committed documents.
package merge

import (
	"github.com/c0deZ3R0/go-canvas-sync/canvas"
)

// Outcome is the result of comparing a local copy with an incoming document.
type Outcome int

const (
	Accept Outcome = iota
	RejectStale
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case RejectStale:
		return "reject_stale"
	}
	return "unknown"
}

// Decide applies the change-feed policy: the incoming document wins when there is no
// local copy, the local copy has never been committed, or the incoming commit time is
// strictly later. Equal commit times are treated as already applied.
func Decide(local *canvas.Entity, incoming canvas.Entity) Outcome {
	if local == nil || !local.Committed() {
		return Accept
	}
	if incoming.CommittedAt.After(local.CommittedAt) {
		return Accept
	}
	return RejectStale
}

// DecideAuthoritative is the reconciliation variant. A full remote read is the
// authority for ids without a pending write, so an equal commit time still replaces
// the local copy and drops local drift that was never written. Only a strictly newer
// local commit survives.
func DecideAuthoritative(local *canvas.Entity, incoming canvas.Entity) Outcome {
	if local == nil || !local.Committed() {
		return Accept
	}
	if local.CommittedAt.After(incoming.CommittedAt) {
		return RejectStale
	}
	return Accept
}
