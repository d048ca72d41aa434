package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/presence"
	"github.com/c0deZ3R0/go-canvas-sync/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set REDIS_TEST_ADDR (e.g. localhost:6379) to run these tests.
func newTestStore(t *testing.T, room string) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := New(ctx, Config{Addr: addr, Room: room, TTL: 2 * time.Second, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stateContainer() *state.Container {
	return state.New(state.WithLogger(logging.Discard()))
}

func TestConfig_SetDefaults(t *testing.T) {
	var cfg Config
	cfg.setDefaults()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, defaultRoom, cfg.Room)
	assert.Equal(t, DefaultTTL, cfg.TTL)
}

func TestKeys(t *testing.T) {
	s := NewWithClient(nil, "room-1", 0, logging.Discard())
	assert.Equal(t, "presence:room-1", s.channel())
	assert.Equal(t, "presence:room-1:abc", s.key("abc"))
	assert.Equal(t, DefaultTTL, s.ttl)
}

func TestPublish_RequiresSessionID(t *testing.T) {
	s := NewWithClient(nil, "", 0, logging.Discard())
	err := s.Publish(context.Background(), canvas.Presence{})
	require.Error(t, err)
}

func TestPublishSubscribeList(t *testing.T) {
	room := "test-" + presence.NewSessionID()
	s := newTestStore(t, room)
	ctx := context.Background()

	got := make(chan canvas.Presence, 4)
	sub, err := s.Subscribe(ctx, func(p canvas.Presence) { got <- p })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rec := canvas.Presence{SessionID: "s1", DisplayName: "Ada", X: 3, Online: true, LastHeartbeat: time.Now().UTC()}
	require.NoError(t, s.Publish(ctx, rec))

	select {
	case p := <-got:
		assert.Equal(t, "s1", p.SessionID)
		assert.Equal(t, 3.0, p.X)
	case <-time.After(2 * time.Second):
		t.Fatal("no presence message received")
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Ada", list[0].DisplayName)

	require.Eventually(t, func() bool {
		list, err := s.List(ctx)
		return err == nil && len(list) == 0
	}, 5*time.Second, 100*time.Millisecond, "records expire with their TTL")
}

func TestChannelOverRedis(t *testing.T) {
	room := "test-" + presence.NewSessionID()
	s := newTestStore(t, room)

	a := presence.NewChannel(stateContainer(), s, canvas.Presence{SessionID: "a"}, presence.WithLogger(logging.Discard()))
	b := presence.NewChannel(stateContainer(), s, canvas.Presence{SessionID: "b"}, presence.WithLogger(logging.Discard()))
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	require.Eventually(t, func() bool { return len(a.Online()) == 2 && len(b.Online()) == 2 },
		3*time.Second, 20*time.Millisecond)
}
