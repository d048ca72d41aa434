package canvaskit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/presence"
	"github.com/c0deZ3R0/go-canvas-sync/state"
	"github.com/c0deZ3R0/go-canvas-sync/store/memstore"
	"github.com/c0deZ3R0/go-canvas-sync/subscriber"
)

type decisions struct {
	mu  sync.Mutex
	got []subscriber.Result
}

func (d *decisions) observe(r subscriber.Result) {
	d.mu.Lock()
	d.got = append(d.got, r)
	d.mu.Unlock()
}

func (d *decisions) For(id string) []subscriber.Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []subscriber.Decision
	for _, r := range d.got {
		if r.EntityID == id {
			out = append(out, r.Decision)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Debounce = Duration(time.Hour)
	cfg.Retry = BackoffConfig{Initial: Duration(5 * time.Millisecond), Max: Duration(20 * time.Millisecond), Multiplier: 2}
	cfg.Reconnect = cfg.Retry
	return cfg
}

func newEngine(t *testing.T, client *memstore.Client, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithStore(client),
		WithConfig(testConfig()),
		WithLogger(logging.Discard()),
	}, opts...)
	e, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindInvalid, syncErrors.KindOf(err))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 0
	srv := memstore.NewServer(memstore.WithLogger(logging.Discard()))
	_, err := New(WithStore(srv.Client("a")), WithConfig(cfg), WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindInvalid, syncErrors.KindOf(err))
}

func TestEngine_DragCoalescesIntoOneWrite(t *testing.T) {
	srv := memstore.NewServer(memstore.WithLogger(logging.Discard()))
	client := srv.Client("alice")
	var seen decisions
	e := newEngine(t, client, WithObserver(seen.observe))

	_, err := e.Change("e1", canvas.Move(10, 10), false)
	require.NoError(t, err)
	_, err = e.Change("e1", canvas.Move(20, 10), false)
	require.NoError(t, err)
	_, err = e.Change("e1", canvas.Move(30, 10), false)
	require.NoError(t, err)
	assert.Equal(t, 0, client.Batches(), "nothing written while the debounce is open")

	local, ok := e.State().Entity("e1")
	require.True(t, ok)
	require.NoError(t, e.QueueWrite("e1", local, true))

	require.Eventually(t, func() bool {
		_, ok := srv.Document("e1")
		return ok && client.Batches() == 1
	}, 2*time.Second, 5*time.Millisecond)

	doc, _ := srv.Document("e1")
	remote, err := canvas.DecodeDocument(doc.ID, doc.Data, doc.CommittedAt)
	require.NoError(t, err)
	assert.Equal(t, 30.0, remote.Shape.X)
	assert.Equal(t, 10.0, remote.Shape.Y)
	assert.Equal(t, 1, client.Batches())

	assert.Equal(t, []subscriber.Decision{subscriber.DiscardedPendingWrite, subscriber.DiscardedEcho}, seen.For("e1"))

	require.Eventually(t, func() bool {
		got, _ := e.State().Entity("e1")
		return got.CommittedAt.Equal(doc.CommittedAt)
	}, time.Second, 5*time.Millisecond)
	got, _ := e.State().Entity("e1")
	assert.Equal(t, 30.0, got.Shape.X)
}

func TestEngine_TwoClientsConverge(t *testing.T) {
	srv := memstore.NewServer(memstore.WithLogger(logging.Discard()))
	a := newEngine(t, srv.Client("alice"))
	b := newEngine(t, srv.Client("bob"))

	_, err := a.Change("shared", canvas.Move(1, 1), true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, ok := b.State().Entity("shared")
		return ok && got.Shape.X == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = b.Change("shared", canvas.Move(2, 2), true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, _ := a.State().Entity("shared")
		return got.Shape.X == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.DeleteEntities([]string{"shared"}, true))
	require.Eventually(t, func() bool {
		_, ok := b.State().Entity("shared")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_StartLoadsRemoteState(t *testing.T) {
	srv := memstore.NewServer(memstore.WithLogger(logging.Discard()))
	writerClient := srv.Client("seed")
	_, err := writerClient.BatchWrite(context.Background(), []canvas.Entity{
		canvas.Move(4, 4).Apply(canvas.NewEntity("r1", canvas.KindRectangle)),
		canvas.NewEntity("c1", canvas.KindCircle),
	}, nil)
	require.NoError(t, err)

	e := newEngine(t, srv.Client("late"), WithEntities(canvas.NewEntity("ghost", canvas.KindText)))

	ids := make([]string, 0)
	for _, ent := range e.State().Entities() {
		ids = append(ids, ent.ID)
	}
	assert.ElementsMatch(t, []string{"r1", "c1"}, ids, "local-only entity without a pending write is dropped")
	assert.Equal(t, canvas.StatusConnected, e.Status())
}

func TestEngine_ReconnectsAfterPartition(t *testing.T) {
	srv := memstore.NewServer(memstore.WithLogger(logging.Discard()))
	client := srv.Client("alice")
	other := srv.Client("bob")
	e := newEngine(t, client)

	client.Disconnect()
	require.Eventually(t, func() bool {
		return e.Status() != canvas.StatusConnected
	}, time.Second, 5*time.Millisecond)

	_, err := other.BatchWrite(context.Background(), []canvas.Entity{canvas.NewEntity("missed", canvas.KindLine)}, nil)
	require.NoError(t, err)
	_, err = e.Change("offline", canvas.Move(7, 7), true)
	require.NoError(t, err)

	client.Heal()
	require.Eventually(t, func() bool {
		_, missed := e.State().Entity("missed")
		_, written := srv.Document("offline")
		return e.Status() == canvas.StatusConnected && missed && written
	}, 3*time.Second, 5*time.Millisecond)
}

func TestEngine_RemoteDeleteWinsAfterLedgerTimeout(t *testing.T) {
	srv := memstore.NewServer(memstore.WithLogger(logging.Discard()))
	client := srv.Client("alice")
	bob := srv.Client("bob")

	cfg := testConfig()
	cfg.LedgerTimeout = Duration(50 * time.Millisecond)
	cfg.LedgerStaleness = Duration(100 * time.Millisecond)
	cfg.Retry = BackoffConfig{Initial: Duration(time.Hour), Max: Duration(time.Hour), Multiplier: 2}
	e := newEngine(t, client, WithConfig(cfg))

	_, err := e.Change("x", canvas.Move(1, 1), true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, ok := e.State().Entity("x")
		return ok && got.Committed()
	}, 2*time.Second, 5*time.Millisecond)

	client.Disconnect()
	require.Eventually(t, func() bool { return e.Status() != canvas.StatusConnected }, time.Second, 5*time.Millisecond)

	_, err = e.Change("x", canvas.Move(5, 5), true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ups, _ := e.writer.Pending()
		return ups == 1
	}, time.Second, 5*time.Millisecond, "offline write stays buffered")

	_, err = bob.BatchWrite(context.Background(), nil, []string{"x"})
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	client.Heal()
	require.Eventually(t, func() bool {
		_, ok := e.State().Entity("x")
		return e.Status() == canvas.StatusConnected && !ok
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Flush(context.Background()))
	time.Sleep(50 * time.Millisecond)
	_, remote := srv.Document("x")
	_, local := e.State().Entity("x")
	assert.False(t, remote, "remote deletion is not overwritten")
	assert.False(t, local)
	ups, _ := e.writer.Pending()
	assert.Zero(t, ups)
}

func TestEngine_StatusFromConnectionSubscriber(t *testing.T) {
	srv := memstore.NewServer(memstore.WithLogger(logging.Discard()))
	client := srv.Client("alice")
	e := newEngine(t, client)

	statuses := make(chan canvas.ConnectionStatus, 16)
	unsub := e.Container().Subscribe(state.SliceConnection, func(state.Snapshot) {
		select {
		case statuses <- e.Status():
		default:
		}
	})
	defer unsub()

	client.Disconnect()
	select {
	case got := <-statuses:
		assert.NotEqual(t, canvas.StatusConnected, got)
	case <-time.After(2 * time.Second):
		t.Fatal("connection subscriber calling Status never returned")
	}

	client.Heal()
	require.Eventually(t, func() bool { return e.Status() == canvas.StatusConnected }, 3*time.Second, 5*time.Millisecond)
}

func TestEngine_CloseFlushesBufferedWrites(t *testing.T) {
	srv := memstore.NewServer(memstore.WithLogger(logging.Discard()))
	client := srv.Client("alice")
	e, err := New(WithStore(client), WithConfig(testConfig()), WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	_, err = e.Change("late", canvas.Move(3, 3), false)
	require.NoError(t, err)
	_, ok := srv.Document("late")
	require.False(t, ok)

	require.NoError(t, e.Close(context.Background()))
	_, ok = srv.Document("late")
	assert.True(t, ok, "close force-flushes the debounce buffer")

	require.NoError(t, e.Close(context.Background()), "close is idempotent")
	assert.ErrorIs(t, e.Start(context.Background()), ErrClosed)
}

func TestEngine_Presence(t *testing.T) {
	srv := memstore.NewServer(memstore.WithLogger(logging.Discard()))
	hub := presence.NewHub()

	a := newEngine(t, srv.Client("alice"), WithPresence(hub, canvas.Presence{UserID: "alice", DisplayName: "Alice"}))
	b := newEngine(t, srv.Client("bob"), WithPresence(hub, canvas.Presence{UserID: "bob", DisplayName: "Bob"}))

	require.NotNil(t, a.Presence())
	a.Presence().UpdatePosition(12, 34)

	require.Eventually(t, func() bool {
		for _, p := range b.State().Presence() {
			if p.UserID == "alice" && p.X == 12 && p.Y == 34 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, b.Presence().Online(), 2)
}
