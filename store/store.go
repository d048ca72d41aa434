// Package store defines the contract between the sync engine and the remote document
// store, plus the pieces shared by the concrete implementations in its subpackages.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
)

// ChangeType classifies a change-feed event.
type ChangeType int

const (
	Added ChangeType = iota
	Modified
	Removed
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Document is a persisted entity: its key, its JSON payload and the commit time the
// store assigned.
type Document struct {
	ID          string
	Data        json.RawMessage
	CommittedAt time.Time
}

// Change is one change-feed event.
type Change struct {
	Type     ChangeType
	Document Document

	// HasPendingLocalWrites is set by the store when the event reflects a write from
	// this handle that has not been confirmed yet.
	HasPendingLocalWrites bool
}

// WriteResult reports the commit time assigned to each upserted or deleted id.
type WriteResult struct {
	CommittedAt map[string]time.Time
}

// Subscription is a standing change-feed registration.
type Subscription interface {
	Unsubscribe() error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Unsubscribe() error { return f() }

// EntityStore is the remote, eventually consistent document store.
//
// Commit times are assigned by the store and strictly increase per document.
// BatchWrite is atomic per call. The handler passed to Subscribe receives events
// in commit order for any single document.
type EntityStore interface {
	BatchWrite(ctx context.Context, upserts []canvas.Entity, deletes []string) (WriteResult, error)
	Subscribe(ctx context.Context, handler func([]Change)) (Subscription, error)
	FetchAll(ctx context.Context) ([]Document, error)
	Close() error
}

// TransportEvent is a connectivity signal from a store's transport.
type TransportEvent int

const (
	Lost TransportEvent = iota
	Reconnecting
	Recovered
	ReconnectFailed
)

func (e TransportEvent) String() string {
	switch e {
	case Lost:
		return "lost"
	case Reconnecting:
		return "reconnecting"
	case Recovered:
		return "recovered"
	case ReconnectFailed:
		return "reconnect_failed"
	}
	return "unknown"
}

// TransportNotifier is implemented by stores that report transport events.
type TransportNotifier interface {
	Transport() <-chan TransportEvent
}

// Reconnector is implemented by stores that can be asked to re-establish their
// transport. Stores without it reconnect on their own and report through
// TransportNotifier.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

var (
	ErrStoreClosed = syncErrors.E(syncErrors.Component("store"), syncErrors.KindClosed, "store is closed")
	ErrOffline     = syncErrors.E(syncErrors.Component("store"), syncErrors.KindUnavailable, "store is unreachable")
)

// EncodeUpserts encodes each entity into a Document with its JSON payload. It fails
// on the first entity that cannot be encoded.
func EncodeUpserts(upserts []canvas.Entity) ([]Document, error) {
	docs := make([]Document, 0, len(upserts))
	for _, e := range upserts {
		if e.ID == "" {
			return nil, syncErrors.NewValidationError(syncErrors.OpFlush, errMissingID)
		}
		data, err := canvas.EncodeDocument(e)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: e.ID, Data: data})
	}
	return docs, nil
}

var errMissingID = syncErrors.E(syncErrors.KindInvalid, "entity without id")
