package postgres

import (
	"log/slog"
	"sync/atomic"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/go-canvas-sync/store"
)

// listener wraps a pq.Listener on the table's notification channel and translates
// its connection events into transport events.
type listener struct {
	channel string
	pql     *pq.Listener
	report  func(...store.TransportEvent)
	logger  *slog.Logger
	closed  int32 // atomic
}

func newListener(config *Config, channel string, report func(...store.TransportEvent), logger *slog.Logger) *listener {
	l := &listener{
		channel: channel,
		report:  report,
		logger:  logger,
	}
	l.pql = pq.NewListener(
		config.ConnectionString,
		config.MinReconnectInterval,
		config.MaxReconnectInterval,
		l.eventCallback,
	)
	return l
}

// translate maps a pq listener event to the transport events it implies. pq keeps
// retrying on its own, so every disconnect or failed attempt is followed by a new
// attempt.
func translate(event pq.ListenerEventType) []store.TransportEvent {
	switch event {
	case pq.ListenerEventDisconnected:
		return []store.TransportEvent{store.Lost, store.Reconnecting}
	case pq.ListenerEventConnectionAttemptFailed:
		return []store.TransportEvent{store.ReconnectFailed, store.Reconnecting}
	case pq.ListenerEventReconnected:
		return []store.TransportEvent{store.Recovered}
	}
	return nil
}

func (l *listener) eventCallback(event pq.ListenerEventType, err error) {
	if atomic.LoadInt32(&l.closed) == 1 {
		return
	}
	attrs := []any{slog.Int("event", int(event))}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	switch event {
	case pq.ListenerEventConnected:
		l.logger.Info("connected for LISTEN/NOTIFY", attrs...)
	case pq.ListenerEventReconnected:
		// pq re-issues LISTEN for every channel on reconnect
		l.logger.Info("LISTEN/NOTIFY reconnected", attrs...)
	default:
		l.logger.Warn("LISTEN/NOTIFY connection problem", attrs...)
	}
	if evs := translate(event); len(evs) > 0 {
		l.report(evs...)
	}
}

func (l *listener) listen() error {
	return l.pql.Listen(l.channel)
}

func (l *listener) notify() <-chan *pq.Notification {
	return l.pql.Notify
}

func (l *listener) ping() error {
	return l.pql.Ping()
}

func (l *listener) close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	return l.pql.Close()
}
