// Package sqlstore implements the session store on top of database/sql.
//
// PostgreSQL (through the pgx or lib/pq drivers) and SQLite (through
// modernc.org/sqlite) are supported. Timestamps are stored as Unix
// microseconds so that expiry comparisons behave identically on both
// engines.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/jmcleod/gatekeep/storage"
)

//go:embed migrations
var migrations embed.FS

const table = "sessions"

var columns = []string{"token", "user_id", "expires_at", "is_expired", "created_at"}

// Store implements storage.Connector backed by a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	qb      sq.StatementBuilderType
}

var _ storage.Connector = (*Store)(nil)

// New returns a Store using db with the given dialect. The schema is not
// touched; call Migrate to create it.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		qb:      sq.StatementBuilder.PlaceholderFormat(dialect.placeholder),
	}
}

// OpenDSN opens a database with the named driver ("pgx", "postgres" or
// "sqlite"), verifies connectivity and applies pending migrations.
func OpenDSN(ctx context.Context, driver, dsn string) (*Store, error) {
	dialect, err := DialectForDriver(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", driver, err)
	}
	s := New(db, dialect)
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies all pending schema migrations for the store's dialect.
// Already applied migrations are skipped.
func (s *Store) Migrate() error {
	driver, err := s.dialect.migrator(s.db)
	if err != nil {
		return fmt.Errorf("creating %s migration driver: %w", s.dialect.Name, err)
	}

	source, err := iofs.New(migrations, "migrations/"+s.dialect.Name)
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, s.dialect.Name, driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("getting migration version: %w", err)
	}
	if dirty {
		slog.Warn("session schema migration state is dirty", "dialect", s.dialect.Name, "version", version)
	} else {
		slog.Debug("session schema migrations complete", "dialect", s.dialect.Name, "version", version)
	}
	return nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Open reserves a dedicated connection from the pool. Closing the returned
// storage.Conn hands it back.
func (s *Store) Open(ctx context.Context) (storage.Conn, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return &conn{conn: c, qb: s.qb}, nil
}

type conn struct {
	conn *sql.Conn
	qb   sq.StatementBuilderType
}

var _ storage.Conn = (*conn)(nil)

func (c *conn) Add(ctx context.Context, sess storage.Session) error {
	query, args, err := c.qb.Insert(table).
		Columns(columns...).
		Values(sess.Token, sess.UserID, toMicros(sess.Expiration), sess.IsExpired, toMicros(sess.CreatedAt)).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	if _, err := c.conn.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateToken
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (c *conn) FindByToken(ctx context.Context, token string) (storage.Session, error) {
	return c.findOne(ctx, c.qb.Select(columns...).From(table).Where(sq.Eq{"token": token}))
}

func (c *conn) FindActive(ctx context.Context, token string, now time.Time) (storage.Session, error) {
	return c.findOne(ctx, c.qb.Select(columns...).From(table).
		Where(sq.Eq{"token": token}).
		Where(sq.Eq{"is_expired": false}).
		Where(sq.Gt{"expires_at": toMicros(now)}))
}

func (c *conn) findOne(ctx context.Context, qb sq.SelectBuilder) (storage.Session, error) {
	query, args, err := qb.ToSql()
	if err != nil {
		return storage.Session{}, fmt.Errorf("building select: %w", err)
	}
	var (
		sess             storage.Session
		expires, created int64
	)
	err = c.conn.QueryRowContext(ctx, query, args...).Scan(&sess.Token, &sess.UserID, &expires, &sess.IsExpired, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Session{}, fmt.Errorf("querying session: %w", err)
	}
	sess.Expiration = fromMicros(expires)
	sess.CreatedAt = fromMicros(created)
	return sess, nil
}

func (c *conn) Update(ctx context.Context, sess storage.Session) error {
	query, args, err := c.qb.Update(table).
		Set("user_id", sess.UserID).
		Set("expires_at", toMicros(sess.Expiration)).
		Set("is_expired", sess.IsExpired).
		Where(sq.Eq{"token": sess.Token}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Extend touches only expires_at and filters on validity in the same
// statement, so it cannot clear a concurrent revocation.
func (c *conn) Extend(ctx context.Context, token string, expiration, now time.Time) error {
	query, args, err := c.qb.Update(table).
		Set("expires_at", toMicros(expiration)).
		Where(sq.Eq{"token": token}).
		Where(sq.Eq{"is_expired": false}).
		Where(sq.Gt{"expires_at": toMicros(now)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building extend: %w", err)
	}
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("extending session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *conn) DeleteInvalid(ctx context.Context, now time.Time) (int, error) {
	query, args, err := c.qb.Delete(table).
		Where(sq.Or{sq.Eq{"is_expired": true}, sq.LtOrEq{"expires_at": toMicros(now)}}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delete: %w", err)
	}
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting invalid sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return int(n), nil
}

func (c *conn) Close() error {
	return c.conn.Close()
}

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
