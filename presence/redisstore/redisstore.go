// Package redisstore carries presence records over Redis: each record is a key with a
// TTL so abandoned sessions age out on their own, and every publish is fanned out on
// a per-room pub/sub channel.
package redisstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/presence"
	"github.com/c0deZ3R0/go-canvas-sync/store"
)

const component = syncErrors.Component("presence-redis")

const (
	DefaultTTL  = presence.DefaultWindow
	keyPrefix   = "presence:"
	scanBatch   = 100
	defaultRoom = "default"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Room scopes keys and the pub/sub channel so several canvases can share a server.
	Room string
	// TTL is how long a record survives without being republished.
	TTL time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Room == "" {
		c.Room = defaultRoom
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
}

// Store implements presence.Store on a Redis server.
type Store struct {
	rdb    *redis.Client
	room   string
	ttl    time.Duration
	owned  bool
	logger *slog.Logger
}

var _ presence.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.setDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, syncErrors.E(syncErrors.OpConnect, component, syncErrors.KindUnavailable,
			"could not connect to redis", err)
	}
	s := NewWithClient(rdb, cfg.Room, cfg.TTL, cfg.Logger)
	s.owned = true
	return s, nil
}

// NewWithClient wraps an existing client. Close leaves the client open.
func NewWithClient(rdb *redis.Client, room string, ttl time.Duration, logger *slog.Logger) *Store {
	if room == "" {
		room = defaultRoom
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		rdb:    rdb,
		room:   room,
		ttl:    ttl,
		logger: logging.Or(logger, logging.Component(component)).With(slog.String("room", room)),
	}
}

func (s *Store) channel() string { return keyPrefix + s.room }

func (s *Store) key(sessionID string) string { return keyPrefix + s.room + ":" + sessionID }

// Publish stores the record under its session key and broadcasts it.
func (s *Store) Publish(ctx context.Context, p canvas.Presence) error {
	if p.SessionID == "" {
		return syncErrors.E(syncErrors.OpPresence, component, syncErrors.KindInvalid, "session id is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return syncErrors.E(syncErrors.OpPresence, component, syncErrors.KindInvalid, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(p.SessionID), data, s.ttl)
	pipe.Publish(ctx, s.channel(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return syncErrors.E(syncErrors.OpPresence, component, syncErrors.KindUnavailable, err)
	}
	return nil
}

// Subscribe delivers every record published in the room until ctx ends or the
// subscription is closed.
func (s *Store) Subscribe(ctx context.Context, handler func(canvas.Presence)) (store.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, s.channel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, syncErrors.E(syncErrors.OpPresence, component, syncErrors.KindUnavailable, err)
	}

	msgs := ps.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var p canvas.Presence
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					s.logger.Debug("dropping malformed presence message", logging.Err(err))
					continue
				}
				handler(p)
			}
		}
	}()

	return store.SubscriptionFunc(func() error {
		err := ps.Close()
		<-done
		return err
	}), nil
}

// List returns every record whose key has not expired yet.
func (s *Store) List(ctx context.Context) ([]canvas.Presence, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, s.key("*"), scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, syncErrors.E(syncErrors.OpPresence, component, syncErrors.KindUnavailable, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpPresence, component, syncErrors.KindUnavailable, err)
	}
	out := make([]canvas.Presence, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var p canvas.Presence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.logger.Debug("skipping malformed presence record", logging.Err(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Close releases the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}
