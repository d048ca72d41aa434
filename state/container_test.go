package state

import (
	"sync"
	"testing"
	"time"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entity(id string, order float64) canvas.Entity {
	e := canvas.NewEntity(id, canvas.KindRectangle)
	e.DrawOrder = order
	return e
}

func TestContainer_InitialState(t *testing.T) {
	c := New(WithLogger(logging.Discard()))

	assert.Empty(t, c.Entities())
	assert.Empty(t, c.Selection())
	assert.Equal(t, canvas.StatusConnected, c.Connection().Status)
	assert.True(t, c.Connection().LastSyncedAt.IsZero())
	assert.Equal(t, 1.0, c.Viewport().Zoom)
	assert.Equal(t, 1.0, c.NextDrawOrder())
	assert.Zero(t, c.Version())
}

func TestContainer_EntitiesSortedByDrawOrder(t *testing.T) {
	c := New(WithLogger(logging.Discard()), WithEntities(entity("c", 2), entity("b", 1), entity("a", 2)))

	var ids []string
	for _, e := range c.Entities() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
	assert.Equal(t, 3.0, c.NextDrawOrder())
}

func TestContainer_MutateEntities(t *testing.T) {
	c := New(WithLogger(logging.Discard()))

	var snaps []Snapshot
	unsub := c.Subscribe(SliceEntities, func(s Snapshot) { snaps = append(snaps, s) })
	defer unsub()

	c.MutateEntities(func(tx *EntityTx) {
		tx.Put(entity("e1", tx.NextDrawOrder()))
		tx.Put(entity("e2", tx.NextDrawOrder()))
	})
	require.Len(t, snaps, 1, "one notification per critical section")
	assert.Equal(t, uint64(1), snaps[0].Version)
	require.Len(t, snaps[0].Entities, 2)
	assert.Equal(t, 2.0, snaps[0].Entities[1].DrawOrder)

	c.MutateEntities(func(tx *EntityTx) {
		_, ok := tx.Get("missing")
		assert.False(t, ok)
	})
	assert.Len(t, snaps, 1, "no-op transaction does not notify")

	e, ok := c.Entity("e1")
	require.True(t, ok)
	assert.Equal(t, 1.0, e.DrawOrder)
}

func TestContainer_DeletePrunesSelection(t *testing.T) {
	c := New(WithLogger(logging.Discard()), WithEntities(entity("e1", 1), entity("e2", 2)))
	c.SetSelection([]string{"e1", "e2", "ghost", "e1"})
	assert.Equal(t, []string{"e1", "e2"}, c.Selection())

	var changed Slice
	c.Subscribe(SliceSelection, func(s Snapshot) { changed = s.Changed })

	c.MutateEntities(func(tx *EntityTx) {
		assert.True(t, tx.Delete("e1"))
		assert.False(t, tx.Delete("e1"))
	})
	assert.Equal(t, []string{"e2"}, c.Selection())
	assert.True(t, changed.Has(SliceEntities|SliceSelection))
}

func TestContainer_SubscribeFiltersSlices(t *testing.T) {
	c := New(WithLogger(logging.Discard()))

	var conn, pres int
	c.Subscribe(SliceConnection, func(Snapshot) { conn++ })
	c.Subscribe(SlicePresence, func(Snapshot) { pres++ })

	c.SetConnection(canvas.StatusDisconnected)
	c.SetConnection(canvas.StatusDisconnected)
	c.PutPresence(canvas.Presence{SessionID: "s1", Online: true})
	c.MarkPresenceOffline("s1")
	c.MarkPresenceOffline("s1")

	assert.Equal(t, 1, conn, "repeating a status does not notify")
	assert.Equal(t, 2, pres)
	require.Len(t, c.Presence(), 1)
	assert.False(t, c.Presence()[0].Online)

	c.RemovePresence("s1")
	assert.Empty(t, c.Presence())
}

func TestContainer_Unsubscribe(t *testing.T) {
	c := New(WithLogger(logging.Discard()))
	calls := 0
	unsub := c.Subscribe(SliceAll, func(Snapshot) { calls++ })

	c.SetViewport(canvas.Viewport{X: 1, Zoom: 1})
	unsub()
	unsub()
	c.SetViewport(canvas.Viewport{X: 2, Zoom: 1})

	assert.Equal(t, 1, calls)
}

func TestContainer_SubscriberPanicRecovered(t *testing.T) {
	c := New(WithLogger(logging.Discard()))
	after := false
	c.Subscribe(SliceAll, func(Snapshot) { panic("boom") })
	c.Subscribe(SliceAll, func(Snapshot) { after = true })

	assert.NotPanics(t, func() { c.SetConnection(canvas.StatusReconnecting) })
	assert.True(t, after)
}

func TestContainer_MutateEntitiesPanicReleasesLock(t *testing.T) {
	c := New(WithLogger(logging.Discard()))

	assert.Panics(t, func() {
		c.MutateEntities(func(tx *EntityTx) {
			tx.Put(entity("e1", 1))
			panic("bad patch")
		})
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.MutateEntities(func(tx *EntityTx) { tx.Put(entity("e2", 2)) })
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("container still locked after a panicking transaction")
	}
	_, ok := c.Entity("e2")
	assert.True(t, ok)
}

func TestContainer_MarkSyncedMonotonic(t *testing.T) {
	c := New(WithLogger(logging.Discard()))
	t1 := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	c.MarkSynced(t1)
	c.MarkSynced(t1.Add(-time.Second))
	assert.Equal(t, t1, c.Connection().LastSyncedAt)
}

func TestContainer_ConcurrentMutation(t *testing.T) {
	c := New(WithLogger(logging.Discard()))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := canvas.NewID()
				c.MutateEntities(func(tx *EntityTx) { tx.Put(entity(id, tx.NextDrawOrder())) })
				c.Entities()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, c.Entities(), 1000)
	assert.Equal(t, uint64(1000), c.Version())
}
