// Package memory provides a thread-safe in-memory session store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/gatekeep/storage"
)

// Store is a thread-safe in-memory session store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu   sync.RWMutex
	data map[string]storage.Session
}

var _ storage.Connector = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{data: make(map[string]storage.Session)}
}

// Open returns a connection to the store. Connections are cheap and share
// the store's state.
func (s *Store) Open(ctx context.Context) (storage.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &conn{store: s}, nil
}

// Len returns the number of stored sessions, valid or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

type conn struct {
	store *Store
}

var _ storage.Conn = (*conn)(nil)

func (c *conn) Add(ctx context.Context, sess storage.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if _, ok := c.store.data[sess.Token]; ok {
		return storage.ErrDuplicateToken
	}
	c.store.data[sess.Token] = sess
	return nil
}

func (c *conn) FindByToken(ctx context.Context, token string) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	sess, ok := c.store.data[token]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return sess, nil
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

func (c *conn) Update(ctx context.Context, sess storage.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if _, ok := c.store.data[sess.Token]; !ok {
		return storage.ErrNotFound
	}
	c.store.data[sess.Token] = sess
	return nil
}

func (c *conn) Extend(ctx context.Context, token string, expiration, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	sess, ok := c.store.data[token]
	if !ok || !sess.Valid(now) {
		return storage.ErrNotFound
	}
	sess.Expiration = expiration
	c.store.data[token] = sess
	return nil
}

func (c *conn) DeleteInvalid(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	n := 0
	for token, sess := range c.store.data {
		if !sess.Valid(now) {
			delete(c.store.data, token)
			n++
		}
	}
	return n, nil
}

func (c *conn) Close() error {
	return nil
}
