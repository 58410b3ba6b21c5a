// Package redis provides a Redis-backed session store. Each session is a
// JSON value under "session:{token}" whose TTL tracks its expiration plus a
// retention window, so revoked and lapsed sessions stay visible to lookups
// until Redis or a sweep removes them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jmcleod/gatekeep/storage"
)

const (
	// DefaultPrefix is prepended to every session key.
	DefaultPrefix = "session:"
	// DefaultRetention is how long a session is kept after it expires.
	DefaultRetention = time.Hour

	minTTL       = time.Second
	scanCount    = 100
	maxTxRetries = 5
)

// Store implements storage.Connector backed by Redis.
type Store struct {
	client    *goredis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

var _ storage.Connector = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.retention = d
		}
	}
}

// WithClock sets the clock Add and Update measure key TTLs from. It should
// match the clock of the session manager using the store.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns a Store using client.
func NewStore(client *goredis.Client, opts ...Option) *Store {
	s := &Store{
		client:    client,
		prefix:    DefaultPrefix,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStoreFromURL parses a redis:// URL, verifies the server answers and
// returns a Store.
func NewStoreFromURL(ctx context.Context, url string, opts ...Option) (*Store, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := goredis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewStore(client, opts...), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Open returns a connection sharing the store's client pool.
func (s *Store) Open(ctx context.Context) (storage.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &conn{store: s}, nil
}

func (s *Store) key(token string) string {
	return s.prefix + token
}

// ttl is the key lifetime for sess measured from now.
func (s *Store) ttl(sess storage.Session, now time.Time) time.Duration {
	ttl := sess.Expiration.Sub(now) + s.retention
	if ttl < minTTL {
		return minTTL
	}
	return ttl
}

type conn struct {
	store *Store
}

var _ storage.Conn = (*conn)(nil)

func (c *conn) Add(ctx context.Context, sess storage.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: failed to marshal: %w", err)
	}
	ok, err := c.store.client.SetNX(ctx, c.store.key(sess.Token), data, c.store.ttl(sess, c.store.now())).Result()
	if err != nil {
		return fmt.Errorf("adding session: %w", err)
	}
	if !ok {
		return storage.ErrDuplicateToken
	}
	return nil
}

func (c *conn) FindByToken(ctx context.Context, token string) (storage.Session, error) {
	return c.get(ctx, c.store.key(token))
}

func (c *conn) FindActive(ctx context.Context, token string, now time.Time) (storage.Session, error) {
	sess, err := c.FindByToken(ctx, token)
	if err != nil {
		return storage.Session{}, err
	}
	if !sess.Valid(now) {
		return storage.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

func (c *conn) get(ctx context.Context, key string) (storage.Session, error) {
	val, err := c.store.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return storage.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Session{}, fmt.Errorf("reading session: %w", err)
	}
	var sess storage.Session
	if err := json.Unmarshal(val, &sess); err != nil {
		return storage.Session{}, fmt.Errorf("session: failed to unmarshal: %w", err)
	}
	return sess, nil
}

func (c *conn) Update(ctx context.Context, sess storage.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: failed to marshal: %w", err)
	}
	ok, err := c.store.client.SetXX(ctx, c.store.key(sess.Token), data, c.store.ttl(sess, c.store.now())).Result()
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

// Extend rewrites the session under WATCH so a revocation landing between
// the read and the write aborts the transaction instead of being lost.
func (c *conn) Extend(ctx context.Context, token string, expiration, now time.Time) error {
	key := c.store.key(token)
	extend := func(tx *goredis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading session: %w", err)
		}
		var sess storage.Session
		if err := json.Unmarshal(val, &sess); err != nil {
			return fmt.Errorf("session: failed to unmarshal: %w", err)
		}
		if !sess.Valid(now) {
			return storage.ErrNotFound
		}
		sess.Expiration = expiration
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("session: failed to marshal: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.store.ttl(sess, now))
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := c.store.client.Watch(ctx, extend, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("extending session: %w", err)
		}
		return err
	}
	return fmt.Errorf("extending session: %w", goredis.TxFailedErr)
}

func (c *conn) DeleteInvalid(ctx context.Context, now time.Time) (int, error) {
	n := 0
	iter := c.store.client.Scan(ctx, 0, c.store.prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		sess, err := c.get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if sess.Valid(now) {
			continue
		}
		deleted, err := c.store.client.Del(ctx, key).Result()
		if err != nil {
			return n, fmt.Errorf("deleting session: %w", err)
		}
		n += int(deleted)
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("scanning sessions: %w", err)
	}
	return n, nil
}

func (c *conn) Close() error {
	return nil
}
