// Package postgres provides a PostgreSQL implementation of storage.Storage.
// Writes are announced with NOTIFY so other processes sharing the database
// can Watch for changes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/authsession-go/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ storage.Storage = (*Storage)(nil)
	_ storage.Watcher = (*Storage)(nil)
)

const (
	DefaultTable   = "authsession_items"
	DefaultChannel = "authsession_changes"
)

// Storage stores items in a single table keyed by (namespace, key).
type Storage struct {
	pool    *pgxpool.Pool
	owned   bool
	table   string
	channel string
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Option configures a Storage.
type Option func(*Storage)

// WithTable overrides the table name. It must be a plain SQL identifier.
func WithTable(name string) Option {
	return func(s *Storage) { s.table = name }
}

// WithChannel overrides the NOTIFY channel.
func WithChannel(name string) Option {
	return func(s *Storage) { s.channel = name }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) { s.log = l }
}

// New wraps an existing pool. The pool stays owned by the caller.
func New(pool *pgxpool.Pool, opts ...Option) *Storage {
	s := &Storage{
		pool:    pool,
		table:   DefaultTable,
		channel: DefaultChannel,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn, creates the table if needed and returns a Storage
// that closes the pool on Close.
func Open(ctx context.Context, dsn string, opts ...Option) (*Storage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres storage: ping: %w", err)
	}
	s := New(pool, opts...)
	s.owned = true
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the backing table if it does not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			namespace  TEXT        NOT NULL,
			key        TEXT        NOT NULL,
			data       BYTEA       NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (namespace, key)
		)
	`, pgx.Identifier{s.table}.Sanitize()))
	if err != nil {
		return fmt.Errorf("postgres storage: create table: %w", err)
	}
	return nil
}

func (s *Storage) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	if err := storage.CheckKey(key); err != nil {
		return nil, err
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	o := storage.ApplyOptions(opts...)

	var item storage.Item
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT data, updated_at FROM %s WHERE namespace = $1 AND key = $2
	`, pgx.Identifier{s.table}.Sanitize()), o.Namespace, key).Scan(&item.Data, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres storage: get: %w", err)
	}
	return &item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	o := storage.ApplyOptions(opts...)

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (namespace, key, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`, pgx.Identifier{s.table}.Sanitize()), o.Namespace, key, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres storage: set: %w", err)
	}
	s.notify(ctx, storage.Change{Namespace: o.Namespace, Key: key})
	return nil
}

func (s *Storage) Delete(ctx context.Context, key string, opts ...storage.Option) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	o := storage.ApplyOptions(opts...)

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE namespace = $1 AND key = $2
	`, pgx.Identifier{s.table}.Sanitize()), o.Namespace, key)
	if err != nil {
		return fmt.Errorf("postgres storage: delete: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.notify(ctx, storage.Change{Namespace: o.Namespace, Key: key, Deleted: true})
	}
	return nil
}

type changeMessage struct {
	Namespace string `json:"ns"`
	Key       string `json:"key"`
	Deleted   bool   `json:"deleted,omitempty"`
}

func (s *Storage) notify(ctx context.Context, c storage.Change) {
	payload, _ := json.Marshal(changeMessage{Namespace: c.Namespace, Key: c.Key, Deleted: c.Deleted})
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, string(payload)); err != nil {
		s.log.WarnContext(ctx, "storage.postgres.notify_failed", slog.String("err", err.Error()))
	}
}

// Watch holds a dedicated connection listening on the change channel until
// ctx ends.
func (s *Storage) Watch(ctx context.Context) (<-chan storage.Change, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres storage: listen: %w", err)
	}

	out := make(chan storage.Change, 8)
	go func() {
		defer close(out)
		// The connection still has LISTEN registered; destroy it rather than
		// returning it to the pool.
		defer func() {
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.WarnContext(ctx, "storage.postgres.watch_failed", slog.String("err", err.Error()))
				}
				return
			}
			var msg changeMessage
			if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
				continue
			}
			select {
			case out <- storage.Change{Namespace: msg.Namespace, Key: msg.Key, Deleted: msg.Deleted}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close marks the store closed and closes the pool if Open created it.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.owned {
		s.pool.Close()
	}
	return nil
}
