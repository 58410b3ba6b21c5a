// Package storage defines the session store capability consumed by the
// session manager and implemented by the backends in its subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no session matches the lookup.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateToken is returned by Add when the token is already stored.
	ErrDuplicateToken = errors.New("duplicate session token")
	// ErrNotConfigured is returned when no store has been configured.
	ErrNotConfigured = errors.New("session store not configured")
)

// Session is a persisted session record.
type Session struct {
	UserID     string    `json:"user_id"`
	Token      string    `json:"token"`
	Expiration time.Time `json:"expiration"`
	IsExpired  bool      `json:"is_expired"`
	CreatedAt  time.Time `json:"created_at"`
}

// Valid reports whether the session is usable at now: it has not been
// revoked and now is strictly before its expiration.
func (s Session) Valid(now time.Time) bool {
	return !s.IsExpired && now.Before(s.Expiration)
}

// Conn is a scoped handle on the store. Each session operation opens one,
// uses it, and closes it on every exit path. Writes commit atomically.
type Conn interface {
	// Add inserts a new session. Returns ErrDuplicateToken if the token exists.
	Add(ctx context.Context, s Session) error
	// FindByToken returns the session with exactly this token, valid or not.
	FindByToken(ctx context.Context, token string) (Session, error)
	// FindActive returns the session with this token only if it is valid at now.
	FindActive(ctx context.Context, token string, now time.Time) (Session, error)
	// Update replaces the stored session with the same token.
	Update(ctx context.Context, s Session) error
	// Extend sets the expiration of the session with this token, but only
	// if it is still valid at now when the write is applied. The check and
	// the write are one atomic step, so a concurrent revocation is never
	// undone. Returns ErrNotFound otherwise.
	Extend(ctx context.Context, token string, expiration, now time.Time) error
	// DeleteInvalid removes every session that is not valid at now and
	// returns how many were removed.
	DeleteInvalid(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// Connector opens scoped connections to a session store.
type Connector interface {
	Open(ctx context.Context) (Conn, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context) (Conn, error)

func (f ConnectorFunc) Open(ctx context.Context) (Conn, error) {
	return f(ctx)
}
