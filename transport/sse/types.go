package sse

import (
	"encoding/json"
	"time"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	"github.com/c0deZ3R0/go-canvas-sync/state"
)

// JSONEntity is an entity on the wire: the stored document plus its commit time.
type JSONEntity struct {
	ID          string          `json:"id"`
	CommittedAt time.Time       `json:"committedAt"`
	Data        json.RawMessage `json:"data"`
}

// JSONSnapshot is one frame of the stream.
type JSONSnapshot struct {
	Version    uint64                 `json:"version"`
	Changed    state.Slice            `json:"changed"`
	Entities   []JSONEntity           `json:"entities"`
	Selection  []string               `json:"selection"`
	Viewport   canvas.Viewport        `json:"viewport"`
	Presence   []canvas.Presence      `json:"presence"`
	Connection canvas.ConnectionState `json:"connection"`
}

func toJSONSnapshot(snap state.Snapshot) (JSONSnapshot, error) {
	out := JSONSnapshot{
		Version:    snap.Version,
		Changed:    snap.Changed,
		Entities:   make([]JSONEntity, 0, len(snap.Entities)),
		Selection:  snap.Selection,
		Viewport:   snap.Viewport,
		Presence:   snap.Presence,
		Connection: snap.Connection,
	}
	for _, e := range snap.Entities {
		data, err := canvas.EncodeDocument(e)
		if err != nil {
			return JSONSnapshot{}, err
		}
		out.Entities = append(out.Entities, JSONEntity{ID: e.ID, CommittedAt: e.CommittedAt, Data: data})
	}
	return out, nil
}

func fromJSONSnapshot(js JSONSnapshot) (state.Snapshot, error) {
	snap := state.Snapshot{
		Changed:    js.Changed,
		Version:    js.Version,
		Entities:   make([]canvas.Entity, 0, len(js.Entities)),
		Selection:  js.Selection,
		Viewport:   js.Viewport,
		Presence:   js.Presence,
		Connection: js.Connection,
	}
	for _, je := range js.Entities {
		e, err := canvas.DecodeDocument(je.ID, je.Data, je.CommittedAt)
		if err != nil {
			return state.Snapshot{}, err
		}
		snap.Entities = append(snap.Entities, e)
	}
	return snap, nil
}

// current reads a full frame from r. The slices are read one after another, so the
// frame is only consistent per slice; every later frame comes from a single mutation.
func current(r state.Reader) state.Snapshot {
	return state.Snapshot{
		Changed:    state.SliceAll,
		Version:    r.Version(),
		Entities:   r.Entities(),
		Selection:  r.Selection(),
		Viewport:   r.Viewport(),
		Presence:   r.Presence(),
		Connection: r.Connection(),
	}
}
