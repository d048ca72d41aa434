package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feed struct {
	mu      sync.Mutex
	changes []store.Change
}

func (f *feed) handle(cs []store.Change) {
	f.mu.Lock()
	f.changes = append(f.changes, cs...)
	f.mu.Unlock()
}

func (f *feed) committed() []store.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Change
	for _, c := range f.changes {
		if !c.HasPendingLocalWrites {
			out = append(out, c)
		}
	}
	return out
}

func (f *feed) all() []store.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Change(nil), f.changes...)
}

func openAt(t *testing.T, path string) *Store {
	t.Helper()
	s, err := New(&Config{
		DataSourceName: path,
		EnableWAL:      true,
		PollInterval:   10 * time.Millisecond,
		Logger:         logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func setupTestDB(t *testing.T) *Store {
	return openAt(t, filepath.Join(t.TempDir(), "canvas.db"))
}

func rect(id string, x float64) canvas.Entity {
	e := canvas.NewEntity(id, canvas.KindRectangle)
	e.Shape.X = x
	return e
}

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig("file:canvas.db")
	assert.Equal(t, "file:canvas.db?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", cfg.DataSourceName)
	assert.Equal(t, DefaultTableName, cfg.TableName)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)

	cfg = &Config{DataSourceName: "file:x.db?_txlock=deferred"}
	cfg.setDefaults()
	assert.Equal(t, "file:x.db?_txlock=deferred&_busy_timeout=5000", cfg.DataSourceName)
}

func TestNew_RequiresDataSource(t *testing.T) {
	_, err := New(&Config{})
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindInvalid, syncErrors.KindOf(err))

	_, err = New(nil)
	require.Error(t, err)
}

func TestBatchWrite_FetchAll(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	res, err := s.BatchWrite(ctx, []canvas.Entity{rect("a", 1), rect("b", 2)}, nil)
	require.NoError(t, err)
	require.Len(t, res.CommittedAt, 2)
	first := res.CommittedAt["a"]
	assert.Equal(t, first, res.CommittedAt["b"], "one commit time per batch")

	res, err = s.BatchWrite(ctx, []canvas.Entity{rect("a", 10)}, []string{"b", "never-existed"})
	require.NoError(t, err)
	assert.True(t, res.CommittedAt["a"].After(first))
	assert.Contains(t, res.CommittedAt, "b")
	assert.NotContains(t, res.CommittedAt, "never-existed")

	docs, err := s.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, res.CommittedAt["a"], docs[0].CommittedAt)

	e, err := canvas.DecodeDocument(docs[0].ID, docs[0].Data, docs[0].CommittedAt)
	require.NoError(t, err)
	assert.Equal(t, 10.0, e.Shape.X)
}

func TestBatchWrite_CommitTimesIncreaseWithFrozenClock(t *testing.T) {
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := New(&Config{
		DataSourceName: filepath.Join(t.TempDir(), "canvas.db"),
		Logger:         logging.Discard(),
		Now:            func() time.Time { return frozen },
	})
	require.NoError(t, err)
	defer s.Close()

	var last time.Time
	for i := 0; i < 5; i++ {
		res, err := s.BatchWrite(context.Background(), []canvas.Entity{rect("a", float64(i))}, nil)
		require.NoError(t, err)
		assert.True(t, res.CommittedAt["a"].After(last))
		last = res.CommittedAt["a"]
	}
}

func TestBatchWrite_RejectsMissingID(t *testing.T) {
	s := setupTestDB(t)
	_, err := s.BatchWrite(context.Background(), []canvas.Entity{{}}, nil)
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindInvalid, syncErrors.KindOf(err))
}

func TestChangeFeed_PendingThenCommitted(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	var f feed
	_, err := s.Subscribe(ctx, f.handle)
	require.NoError(t, err)

	_, err = s.BatchWrite(ctx, []canvas.Entity{rect("a", 1)}, nil)
	require.NoError(t, err)

	all := f.all()
	require.NotEmpty(t, all)
	assert.True(t, all[0].HasPendingLocalWrites, "own write is echoed before it commits")
	assert.True(t, all[0].Document.CommittedAt.IsZero())

	require.Eventually(t, func() bool { return len(f.committed()) == 1 }, time.Second, 5*time.Millisecond)
	c := f.committed()[0]
	assert.Equal(t, store.Added, c.Type)
	assert.Equal(t, "a", c.Document.ID)
	assert.False(t, c.Document.CommittedAt.IsZero())
}

func TestChangeFeed_AcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	writer := openAt(t, path)
	reader := openAt(t, path)
	ctx := context.Background()

	var f feed
	_, err := reader.Subscribe(ctx, f.handle)
	require.NoError(t, err)

	// The feed reports the latest row state, so wait for each write before the next.
	steps := []struct {
		upserts []canvas.Entity
		deletes []string
	}{
		{upserts: []canvas.Entity{rect("a", 1)}},
		{upserts: []canvas.Entity{rect("a", 2)}},
		{deletes: []string{"a"}},
		{upserts: []canvas.Entity{rect("a", 3)}},
	}
	for i, step := range steps {
		_, err = writer.BatchWrite(ctx, step.upserts, step.deletes)
		require.NoError(t, err)
		want := i + 1
		require.Eventually(t, func() bool { return len(f.all()) == want }, 2*time.Second, 5*time.Millisecond)
	}

	var types []store.ChangeType
	var last time.Time
	for _, c := range f.all() {
		assert.False(t, c.HasPendingLocalWrites, "another handle's writes are never pending")
		assert.True(t, c.Document.CommittedAt.After(last))
		last = c.Document.CommittedAt
		types = append(types, c.Type)
	}
	assert.Equal(t, []store.ChangeType{store.Added, store.Modified, store.Removed, store.Added}, types)
}

func TestSubscribe_StartsAfterExistingRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canvas.db")
	first := openAt(t, path)
	_, err := first.BatchWrite(context.Background(), []canvas.Entity{rect("old", 1)}, nil)
	require.NoError(t, err)

	second := openAt(t, path)
	var f feed
	_, err = second.Subscribe(context.Background(), f.handle)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.all())
}

func TestUnsubscribe(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	var f feed
	sub, err := s.Subscribe(ctx, f.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	_, err = s.BatchWrite(ctx, []canvas.Entity{rect("a", 1)}, nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.all())
}

func TestClose(t *testing.T) {
	s, err := New(&Config{DataSourceName: filepath.Join(t.TempDir(), "canvas.db"), Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.BatchWrite(context.Background(), []canvas.Entity{rect("a", 1)}, nil)
	assert.ErrorIs(t, err, store.ErrStoreClosed)
	_, err = s.FetchAll(context.Background())
	assert.ErrorIs(t, err, store.ErrStoreClosed)

	_, open := <-s.Transport()
	assert.False(t, open)
}

func TestTransport_PollFailureAndRecovery(t *testing.T) {
	s := setupTestDB(t)

	_, err := s.db.Exec(`ALTER TABLE ` + s.table + ` RENAME TO parked`)
	require.NoError(t, err)
	select {
	case ev := <-s.Transport():
		assert.Equal(t, store.Lost, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no Lost event after the feed query started failing")
	}

	_, err = s.db.Exec(`ALTER TABLE parked RENAME TO ` + s.table)
	require.NoError(t, err)
	var got []store.TransportEvent
	for len(got) < 2 {
		select {
		case ev := <-s.Transport():
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("recovery events missing, got %v", got)
		}
	}
	assert.Equal(t, []store.TransportEvent{store.Reconnecting, store.Recovered}, got)
}

func TestCancelledContext(t *testing.T) {
	s := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.BatchWrite(ctx, []canvas.Entity{rect("a", 1)}, nil)
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindTimeout, syncErrors.KindOf(err))
}
