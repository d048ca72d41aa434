package state

import (
	"sort"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
)

// EntityTx is the view of the entity map handed to MutateEntities. It is only valid
// inside the callback.
type EntityTx struct {
	c                *Container
	changed          bool
	selectionChanged bool
}

func (tx *EntityTx) Get(id string) (canvas.Entity, bool) {
	e, ok := tx.c.entities[id]
	return e, ok
}

// Put inserts or replaces e. A missing id is ignored.
func (tx *EntityTx) Put(e canvas.Entity) {
	if e.ID == "" {
		return
	}
	tx.c.entities[e.ID] = e
	tx.changed = true
}

// Delete removes id and prunes it from the selection. It reports whether the entity
// existed.
func (tx *EntityTx) Delete(id string) bool {
	if _, ok := tx.c.entities[id]; !ok {
		return false
	}
	delete(tx.c.entities, id)
	tx.changed = true

	sel := tx.c.selection
	for i, s := range sel {
		if s == id {
			tx.c.selection = append(sel[:i:i], sel[i+1:]...)
			tx.selectionChanged = true
			break
		}
	}
	return true
}

// IDs returns the ids currently in the map, sorted.
func (tx *EntityTx) IDs() []string {
	ids := make([]string, 0, len(tx.c.entities))
	for id := range tx.c.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (tx *EntityTx) Len() int {
	return len(tx.c.entities)
}

// NextDrawOrder is Container.NextDrawOrder for use while the map is locked.
func (tx *EntityTx) NextDrawOrder() float64 {
	return nextDrawOrder(tx.c.entities)
}
