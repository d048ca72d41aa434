// Package metrics defines the hooks the sync engine reports through.
package metrics

import "time"

// Collector provides hooks for collecting sync engine metrics
type Collector interface {
	// RecordDuration records how long an operation (flush, reconcile, fetch) took
	RecordDuration(operation string, duration time.Duration)

	// RecordWrites records the size of a flushed batch
	RecordWrites(upserts, deletes int)

	// RecordErrors records operation errors by kind
	RecordErrors(operation string, errorKind string)

	// RecordDecision records one change-feed decision (accepted, discarded_echo, ...)
	RecordDecision(decision string)

	// RecordReconcile records the outcome of a reconciliation pass
	RecordReconcile(added, removed, updated int)

	// RecordConnectionState records a connection status transition
	RecordConnectionState(status string)

	// RecordPresencePublish records an outgoing presence update; throttled updates
	// that were coalesced are reported with sent=false
	RecordPresencePublish(sent bool)
}

// NoOp is a default implementation that does nothing
type NoOp struct{}

func (NoOp) RecordDuration(operation string, duration time.Duration) {}
func (NoOp) RecordWrites(upserts, deletes int)                       {}
func (NoOp) RecordErrors(operation string, errorKind string)         {}
func (NoOp) RecordDecision(decision string)                          {}
func (NoOp) RecordReconcile(added, removed, updated int)             {}
func (NoOp) RecordConnectionState(status string)                     {}
func (NoOp) RecordPresencePublish(sent bool)                         {}

// Or returns c, or NoOp when c is nil.
func Or(c Collector) Collector {
	if c == nil {
		return NoOp{}
	}
	return c
}
