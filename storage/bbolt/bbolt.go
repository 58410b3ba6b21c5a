// Package bbolt provides a BBolt-backed session store.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/gatekeep/storage"
)

var sessionsBucket = []byte("sessions")

// Store implements storage.Connector backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Connector = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database, creating the
// sessions bucket if needed.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating sessions bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Open returns a connection sharing the store's database handle. Every
// operation runs in its own BBolt transaction.
func (s *Store) Open(ctx context.Context) (storage.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &conn{db: s.db}, nil
}

type conn struct {
	db *bbolt.DB
}

var _ storage.Conn = (*conn)(nil)

func (c *conn) Add(ctx context.Context, sess storage.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(sess.Token)) != nil {
			return storage.ErrDuplicateToken
		}
		return putSession(b, sess)
	})
}

func (c *conn) FindByToken(ctx context.Context, token string) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	var sess storage.Session
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(token))
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		return storage.Session{}, err
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
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(sess.Token)) == nil {
			return storage.ErrNotFound
		}
		return putSession(b, sess)
	})
}

func (c *conn) Extend(ctx context.Context, token string, expiration, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		v := b.Get([]byte(token))
		if v == nil {
			return storage.ErrNotFound
		}
		var sess storage.Session
		if err := json.Unmarshal(v, &sess); err != nil {
			return fmt.Errorf("decoding session: %w", err)
		}
		if !sess.Valid(now) {
			return storage.ErrNotFound
		}
		sess.Expiration = expiration
		return putSession(b, sess)
	})
}

func (c *conn) DeleteInvalid(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var sess storage.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return fmt.Errorf("decoding session %s: %w", k, err)
			}
			if !sess.Valid(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *conn) Close() error {
	return nil
}

func putSession(b *bbolt.Bucket, sess storage.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return b.Put([]byte(sess.Token), data)
}
