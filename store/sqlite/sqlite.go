// Package sqlite provides a SQLite implementation of store.EntityStore.
//
// Each entity is one row keyed by id. Every write bumps a table-wide sequence number
// and deletes leave a tombstone, so the change feed is a poll for rows with a
// sequence above the last one seen. Several processes can share one database file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/store"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = syncErrors.Component("store/sqlite")

const (
	DefaultTableName    = "canvas_entities"
	DefaultPollInterval = 250 * time.Millisecond
	defaultPollLimit    = 500
)

// Config holds configuration options for the Store.
//
// DefaultConfig enables WAL mode, a busy timeout and immediate transactions so that
// writers in different processes queue instead of failing with SQLITE_BUSY.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:canvas.db"
	DataSourceName string

	// EnableWAL appends "_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// BusyTimeout is how long a connection waits on a locked database.
	BusyTimeout time.Duration

	// TableName defaults to "canvas_entities".
	TableName string

	// PollInterval is how often the change feed checks for new rows.
	PollInterval time.Duration

	// PollLimit caps the rows read per poll.
	PollLimit int

	// Connection pool settings. Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Logger defaults to the package logger tagged with the store component.
	Logger *slog.Logger

	// Now overrides the clock used to assign commit times.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = DefaultTableName
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollLimit <= 0 {
		c.PollLimit = defaultPollLimit
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.EnableWAL {
		c.DataSourceName = withParam(c.DataSourceName, "_journal_mode", "WAL")
	}
	c.DataSourceName = withParam(c.DataSourceName, "_busy_timeout", fmt.Sprint(c.BusyTimeout.Milliseconds()))
	c.DataSourceName = withParam(c.DataSourceName, "_txlock", "immediate")
}

func withParam(dsn, key, value string) string {
	if dsn == "" || strings.Contains(dsn, key+"=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + value
}

// DefaultConfig returns a Config with WAL enabled and every other setting defaulted.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements store.EntityStore and store.TransportNotifier.
type Store struct {
	db       *sql.DB
	table    string
	now      func() time.Time
	logger   *slog.Logger
	interval time.Duration
	limit    int

	inflight *store.InflightSet
	writeMu  sync.Mutex

	feed *store.Fanout

	mu     sync.RWMutex
	closed bool

	// owned by the poll goroutine
	cursor int64
	lost   bool

	transport chan store.TransportEvent
	kick      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var (
	_ store.EntityStore       = (*Store)(nil)
	_ store.TransportNotifier = (*Store)(nil)
)

// NewWithDataSource opens dataSourceName with DefaultConfig.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// New opens the database, creates the schema and starts the change-feed poller. The
// feed starts after the rows already present; use FetchAll for the current state.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, syncErrors.E(syncErrors.OpConfig, component, syncErrors.KindInvalid, "config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, syncErrors.E(syncErrors.OpConfig, component, syncErrors.KindInvalid, "DataSourceName is required")
	}

	logger := logging.Or(config.Logger, logging.Component(component))
	logger.Info("opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL))

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpConnect, component, syncErrors.KindUnavailable, err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, syncErrors.E(syncErrors.OpConnect, component, syncErrors.KindUnavailable, err)
	}

	s := &Store{
		db:        db,
		table:     config.TableName,
		now:       config.Now,
		logger:    logger,
		interval:  config.PollInterval,
		limit:     config.PollLimit,
		inflight:  store.NewInflightSet(),
		feed:      store.NewFanout(),
		transport: make(chan store.TransportEvent, 32),
		kick:      make(chan struct{}, 1),
	}
	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, syncErrors.E(syncErrors.OpConnect, component, syncErrors.KindInternal, "failed to setup database schema", err)
	}
	if err := db.QueryRow(fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM %s`, s.table)).Scan(&s.cursor); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageError(syncErrors.OpConnect, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	logger.Info("SQLite store initialized",
		slog.String("table_name", s.table),
		slog.Duration("poll_interval", s.interval))
	return s, nil
}

// created_seq is reset when a tombstoned id is written again so the feed can tell an
// addition from a modification.
func (s *Store) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        id           TEXT PRIMARY KEY,
        seq          INTEGER NOT NULL,
        created_seq  INTEGER NOT NULL,
        data         TEXT,
        committed_at INTEGER NOT NULL,
        deleted      INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_%[1]s_seq ON %[1]s (seq);
    `, s.table)
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) check(ctx context.Context, op syncErrors.Operation) error {
	if err := ctx.Err(); err != nil {
		return syncErrors.E(op, component, syncErrors.KindTimeout, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	return nil
}

// BatchWrite applies upserts and deletes in one transaction. Every document in the
// batch gets the same commit time, later than any commit time already in the table.
func (s *Store) BatchWrite(ctx context.Context, upserts []canvas.Entity, deletes []string) (store.WriteResult, error) {
	if err := s.check(ctx, syncErrors.OpFlush); err != nil {
		return store.WriteResult{}, err
	}
	docs, err := store.EncodeUpserts(upserts)
	if err != nil {
		return store.WriteResult{}, err
	}
	res := store.WriteResult{CommittedAt: make(map[string]time.Time, len(docs)+len(deletes))}
	if len(docs) == 0 && len(deletes) == 0 {
		return res, nil
	}

	ids := make([]string, 0, len(docs)+len(deletes))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	ids = append(ids, deletes...)
	done := s.inflight.Begin(ids...)
	defer done()

	s.feed.DeliverPending(docs, deletes)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.commit(ctx, docs, deletes, res.CommittedAt); err != nil {
		return store.WriteResult{}, err
	}

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return res, nil
}

func (s *Store) commit(ctx context.Context, docs []store.Document, deletes []string, out map[string]time.Time) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpFlush, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var seq, last int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(committed_at), 0) FROM %s`, s.table)).
		Scan(&seq, &last)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpFlush, err)
	}
	at := s.now().UTC().UnixMicro()
	if at <= last {
		at = last + 1
	}
	committed := time.UnixMicro(at).UTC()

	if len(docs) > 0 {
		stmt, perr := tx.PrepareContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, seq, created_seq, data, committed_at, deleted) VALUES (?, ?, ?, ?, ?, 0)
			ON CONFLICT(id) DO UPDATE SET
				seq = excluded.seq,
				created_seq = CASE WHEN deleted = 1 THEN excluded.seq ELSE created_seq END,
				data = excluded.data,
				committed_at = excluded.committed_at,
				deleted = 0`, s.table))
		if perr != nil {
			return syncErrors.NewStorageError(syncErrors.OpFlush, perr)
		}
		defer stmt.Close()
		for _, d := range docs {
			seq++
			if _, err = stmt.ExecContext(ctx, d.ID, seq, seq, string(d.Data), at); err != nil {
				return syncErrors.NewStorageError(syncErrors.OpFlush, err)
			}
			out[d.ID] = committed
		}
	}

	if len(deletes) > 0 {
		stmt, perr := tx.PrepareContext(ctx, fmt.Sprintf(`
			UPDATE %s SET seq = ?, committed_at = ?, data = NULL, deleted = 1
			WHERE id = ? AND deleted = 0`, s.table))
		if perr != nil {
			return syncErrors.NewStorageError(syncErrors.OpFlush, perr)
		}
		defer stmt.Close()
		for _, id := range deletes {
			seq++
			r, xerr := stmt.ExecContext(ctx, seq, at, id)
			if xerr != nil {
				return syncErrors.NewStorageError(syncErrors.OpFlush, xerr)
			}
			if n, _ := r.RowsAffected(); n > 0 {
				out[id] = committed
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpFlush, err)
	}
	return nil
}

// Subscribe registers handler for every change committed after this call.
func (s *Store) Subscribe(ctx context.Context, handler func([]store.Change)) (store.Subscription, error) {
	if err := s.check(ctx, syncErrors.OpSubscribe); err != nil {
		return nil, err
	}
	return s.feed.Add(ctx, handler), nil
}

// FetchAll returns every live document ordered by id.
func (s *Store) FetchAll(ctx context.Context) ([]store.Document, error) {
	if err := s.check(ctx, syncErrors.OpFetch); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, data, committed_at FROM %s WHERE deleted = 0 ORDER BY id`, s.table))
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpFetch, err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var (
			d    store.Document
			data sql.NullString
			at   int64
		)
		if err := rows.Scan(&d.ID, &data, &at); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpFetch, err)
		}
		d.Data = []byte(data.String)
		d.CommittedAt = time.UnixMicro(at).UTC()
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpFetch, err)
	}
	return docs, nil
}

// Transport reports Lost when a poll fails, then Reconnecting and Recovered on the
// first poll that succeeds afterwards.
func (s *Store) Transport() <-chan store.TransportEvent {
	return s.transport
}

func (s *Store) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.poll(ctx)
	}
}

func (s *Store) poll(ctx context.Context) {
	for {
		changes, next, err := s.changesSince(ctx, s.cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !s.lost {
				s.lost = true
				s.emit(store.Lost)
				s.logger.Warn("change feed poll failed", logging.Err(err))
			}
			return
		}
		if s.lost {
			s.lost = false
			s.emit(store.Reconnecting)
			s.emit(store.Recovered)
			s.logger.Info("change feed recovered")
		}
		s.cursor = next
		if len(changes) > 0 {
			s.feed.Deliver(changes)
		}
		if len(changes) < s.limit {
			return
		}
	}
}

func (s *Store) changesSince(ctx context.Context, since int64) ([]store.Change, int64, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT seq, created_seq, id, data, committed_at, deleted
		FROM %s
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?`, s.table), since, s.limit)
	if err != nil {
		return nil, since, err
	}
	defer rows.Close()

	var changes []store.Change
	next := since
	for rows.Next() {
		var (
			seq, created, at int64
			id               string
			data             sql.NullString
			deleted          bool
		)
		if err := rows.Scan(&seq, &created, &id, &data, &at, &deleted); err != nil {
			return nil, since, err
		}
		ch := store.Change{
			Type: store.Modified,
			Document: store.Document{
				ID:          id,
				Data:        []byte(data.String),
				CommittedAt: time.UnixMicro(at).UTC(),
			},
			HasPendingLocalWrites: s.inflight.Pending(id),
		}
		switch {
		case deleted:
			ch.Type = store.Removed
			ch.Document.Data = nil
		case created == seq:
			ch.Type = store.Added
		}
		changes = append(changes, ch)
		next = seq
	}
	return changes, next, rows.Err()
}

func (s *Store) emit(ev store.TransportEvent) {
	select {
	case s.transport <- ev:
	default:
		s.logger.Debug("dropping transport event", slog.String("event", ev.String()))
	}
}

// Stats returns database statistics for monitoring.
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

// Close stops the poller and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.feed.Reset()

	s.cancel()
	s.wg.Wait()
	close(s.transport)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Close(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpClose, err)
	}
	return nil
}
