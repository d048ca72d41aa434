package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c0deZ3R0/go-canvas-sync/backoff"
	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	"github.com/c0deZ3R0/go-canvas-sync/ledger"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/state"
	"github.com/c0deZ3R0/go-canvas-sync/store"
	"github.com/c0deZ3R0/go-canvas-sync/store/memstore"
	"github.com/c0deZ3R0/go-canvas-sync/subscriber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = backoff.Exponential{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}

type fakeReconciler struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (r *fakeReconciler) Reconcile(context.Context) (subscriber.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return subscriber.Report{}, err
	}
	return subscriber.Report{}, nil
}

func (r *fakeReconciler) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeReconnector struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *fakeReconnector) Reconnect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return errors.New("still partitioned")
	}
	return nil
}

func newContainer() *state.Container {
	return state.New(state.WithLogger(logging.Discard()))
}

func TestHandleTransport_StateMachine(t *testing.T) {
	c := newContainer()
	rec := &fakeReconciler{}
	m := New(c, rec, WithLogger(logging.Discard()))
	defer m.Stop()

	var seen []canvas.ConnectionStatus
	c.Subscribe(state.SliceConnection, func(s state.Snapshot) { seen = append(seen, s.Connection.Status) })

	steps := []struct {
		ev   store.TransportEvent
		want canvas.ConnectionStatus
	}{
		{store.Recovered, canvas.StatusConnected},    // ignored while connected
		{store.Reconnecting, canvas.StatusConnected}, // ignored while connected
		{store.Lost, canvas.StatusDisconnected},
		{store.ReconnectFailed, canvas.StatusDisconnected}, // ignored while disconnected
		{store.Reconnecting, canvas.StatusReconnecting},
		{store.ReconnectFailed, canvas.StatusDisconnected},
		{store.Reconnecting, canvas.StatusReconnecting},
		{store.Recovered, canvas.StatusConnected},
	}
	for i, s := range steps {
		m.HandleTransport(s.ev)
		assert.Equal(t, s.want, m.Status(), "step %d (%s)", i, s.ev)
		assert.Equal(t, s.want, c.Connection().Status)
	}

	assert.Equal(t, []canvas.ConnectionStatus{
		canvas.StatusDisconnected,
		canvas.StatusReconnecting,
		canvas.StatusDisconnected,
		canvas.StatusReconnecting,
		canvas.StatusConnected,
	}, seen)
	assert.Equal(t, 1, rec.Calls(), "reconciliation runs once on recovery")
}

func TestRecoveredRequiresReconnecting(t *testing.T) {
	rec := &fakeReconciler{}
	m := New(newContainer(), rec, WithLogger(logging.Discard()))
	defer m.Stop()

	m.HandleTransport(store.Lost)
	m.HandleTransport(store.Recovered)
	assert.Equal(t, canvas.StatusDisconnected, m.Status(), "recovery is only accepted while reconnecting")
	assert.Zero(t, rec.Calls())

	m.Retry()
	assert.Equal(t, canvas.StatusConnected, m.Status())
	assert.Equal(t, 1, rec.Calls())
}

func TestStatusReadableFromConnectionSubscriber(t *testing.T) {
	c := newContainer()
	m := New(c, &fakeReconciler{}, WithLogger(logging.Discard()))
	defer m.Stop()

	var (
		mu   sync.Mutex
		seen []canvas.ConnectionStatus
	)
	c.Subscribe(state.SliceConnection, func(state.Snapshot) {
		status := m.Status()
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.HandleTransport(store.Lost)
		m.Retry()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor blocked by a subscriber reading Status")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []canvas.ConnectionStatus{
		canvas.StatusDisconnected,
		canvas.StatusReconnecting,
		canvas.StatusConnected,
	}, seen)
}

func TestReconnector_RetriesWithBackoff(t *testing.T) {
	rec := &fakeReconciler{}
	rc := &fakeReconnector{failures: 2}
	m := New(newContainer(), rec, WithLogger(logging.Discard()), WithReconnector(rc), WithBackoff(fast))
	defer m.Stop()

	m.HandleTransport(store.Lost)
	require.Eventually(t, func() bool {
		return m.Status() == canvas.StatusConnected && rec.Calls() == 1 && m.Attempts() == 0
	}, time.Second, time.Millisecond, "backoff resets after a successful reconciliation")

	rc.mu.Lock()
	assert.Equal(t, 3, rc.calls)
	rc.mu.Unlock()
}

func TestReconcileFailure_DropsToDisconnectedAndRetries(t *testing.T) {
	rec := &fakeReconciler{errs: []error{errors.New("fetch failed")}}
	m := New(newContainer(), rec, WithLogger(logging.Discard()), WithBackoff(fast))
	defer m.Stop()

	m.HandleTransport(store.Lost)
	m.HandleTransport(store.Reconnecting)
	m.HandleTransport(store.Recovered)

	assert.Equal(t, canvas.StatusDisconnected, m.Status())
	require.Eventually(t, func() bool {
		return m.Status() == canvas.StatusConnected && rec.Calls() == 2
	}, time.Second, time.Millisecond)
}

type fakeFlusher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeFlusher) Flush(context.Context) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil
}

func TestFlushAfterReconcile(t *testing.T) {
	fl := &fakeFlusher{}
	m := New(newContainer(), &fakeReconciler{}, WithLogger(logging.Discard()), WithFlusher(fl))
	defer m.Stop()

	m.HandleTransport(store.Lost)
	m.HandleTransport(store.Reconnecting)
	m.HandleTransport(store.Recovered)
	assert.Equal(t, 1, fl.calls)
}

func TestStop_CancelsRetry(t *testing.T) {
	rc := &fakeReconnector{}
	m := New(newContainer(), &fakeReconciler{}, WithLogger(logging.Discard()),
		WithReconnector(rc), WithBackoff(backoff.Exponential{InitialDelay: 50 * time.Millisecond}))

	m.HandleTransport(store.Lost)
	m.Stop()
	m.Stop()
	time.Sleep(100 * time.Millisecond)

	rc.mu.Lock()
	assert.Zero(t, rc.calls)
	rc.mu.Unlock()
	assert.Equal(t, canvas.StatusDisconnected, m.Status())

	m.HandleTransport(store.Recovered)
	assert.Equal(t, canvas.StatusDisconnected, m.Status(), "stopped monitor ignores events")
}

func TestRun_WithMemstore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := memstore.NewServer(memstore.WithLogger(logging.Discard()))
	mine, other := srv.Client("mine"), srv.Client("other")

	c := newContainer()
	l := ledger.New(time.Minute)
	sub := subscriber.New(c, l, mine, subscriber.WithLogger(logging.Discard()))
	require.NoError(t, sub.Start(ctx))

	m := New(c, sub, WithLogger(logging.Discard()), WithReconnector(mine), WithBackoff(fast))
	defer m.Stop()
	go m.Run(ctx, mine)

	mine.Disconnect()
	require.Eventually(t, func() bool { return m.Status() != canvas.StatusConnected }, time.Second, time.Millisecond)

	_, err := other.BatchWrite(ctx, []canvas.Entity{canvas.NewEntity("missed", canvas.KindCircle)}, nil)
	require.NoError(t, err)
	_, ok := c.Entity("missed")
	assert.False(t, ok)

	time.Sleep(30 * time.Millisecond)
	assert.NotEqual(t, canvas.StatusConnected, m.Status(), "partition still in place")

	mine.Heal()
	require.Eventually(t, func() bool {
		_, ok := c.Entity("missed")
		return ok && m.Status() == canvas.StatusConnected
	}, 2*time.Second, 5*time.Millisecond, "reconciliation picks up the missed write")
	assert.False(t, c.Connection().LastSyncedAt.IsZero())
}
