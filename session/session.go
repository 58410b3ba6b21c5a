// Package session implements the token lifecycle: login issues an opaque
// token, which stays valid until its expiration passes or logout revokes
// it. Refresh extends only tokens that are still valid; expired and revoked
// tokens are terminal.
//
// Every store access runs as an executor unit on its own storage.Conn,
// closed on every exit path. No lock is held across operations. Refresh
// writes through storage.Conn.Extend, which checks validity at write time,
// so a logout that lands first always stays revoked.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmcleod/gatekeep/executor"
	"github.com/jmcleod/gatekeep/identity"
	"github.com/jmcleod/gatekeep/internal/util"
	"github.com/jmcleod/gatekeep/internal/uuid"
	"github.com/jmcleod/gatekeep/storage"
)

// DefaultSessionLength is the lifetime of a new or refreshed token.
const DefaultSessionLength = 60 * time.Minute

// ErrNotConfigured is returned internally when the manager has no store.
var ErrNotConfigured = storage.ErrNotConfigured

// maxSessionMinutes keeps minutes * time.Minute within an int64.
const maxSessionMinutes = math.MaxInt64 / int64(time.Minute)

// UserLookup finds directory users by name.
type UserLookup interface {
	LookupUser(ctx context.Context, username string) (*identity.User, error)
}

// PasswordVerifier checks a plaintext password against a stored salt and hash.
type PasswordVerifier interface {
	VerifyPassword(plaintext, salt, hash string) bool
}

// PasswordVerifierFunc adapts a function to PasswordVerifier.
type PasswordVerifierFunc func(plaintext, salt, hash string) bool

func (f PasswordVerifierFunc) VerifyPassword(plaintext, salt, hash string) bool {
	return f(plaintext, salt, hash)
}

// LoginResult is the outcome of one login attempt.
type LoginResult struct {
	success bool
	token   string
}

// IsSuccess reports whether a session was issued.
func (r LoginResult) IsSuccess() bool { return r.success }

// AuthToken returns the issued token; ok is false for failed logins.
func (r LoginResult) AuthToken() (token string, ok bool) {
	return r.token, r.success
}

// Manager is the session authority. It is safe for concurrent use.
type Manager struct {
	connector storage.Connector
	users     UserLookup
	verifier  PasswordVerifier

	exec     *executor.Executor
	ownsExec bool
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	newToken func() (string, error)

	sessionLength atomic.Int64

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithSessionLength overrides DefaultSessionLength. Non-positive values are
// ignored.
func WithSessionLength(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sessionLength.Store(int64(d))
		}
	}
}

// WithExecutor runs store operations on e instead of a private executor.
// The caller keeps ownership of e.
func WithExecutor(e *executor.Executor) Option {
	return func(m *Manager) {
		if e != nil {
			m.exec = e
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTokenGenerator replaces the default 32-hex token generator.
func WithTokenGenerator(gen func() (string, error)) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newToken = gen
		}
	}
}

// NewManager returns a Manager. A nil conn is accepted; every operation
// then fails with ErrNotConfigured, reported as a negative result.
func NewManager(conn storage.Connector, users UserLookup, verifier PasswordVerifier, opts ...Option) *Manager {
	m := &Manager{
		connector: conn,
		users:     users,
		verifier:  verifier,
		logger:    slog.Default(),
		now:       time.Now,
		newToken:  uuid.NewToken,
	}
	m.sessionLength.Store(int64(DefaultSessionLength))
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	if m.exec == nil {
		m.exec = executor.New(executor.WithLogger(m.logger))
		m.ownsExec = true
	}
	return m
}

// SessionLength returns the current token lifetime.
func (m *Manager) SessionLength() time.Duration {
	return time.Duration(m.sessionLength.Load())
}

// SessionLengthMinutes returns the token lifetime in whole minutes. The
// result never exceeds maxSessionMinutes.
func (m *Manager) SessionLengthMinutes() int {
	minutes := int64(m.SessionLength() / time.Minute)
	// Only reachable where int is 32 bits.
	if minutes > math.MaxInt {
		return math.MaxInt
	}
	return int(minutes)
}

// SetSessionLengthMinutes changes the lifetime applied to subsequent logins
// and refreshes. Non-positive values are ignored.
func (m *Manager) SetSessionLengthMinutes(n int) {
	if n <= 0 {
		return
	}
	minutes := int64(n)
	if minutes > maxSessionMinutes {
		minutes = maxSessionMinutes
	}
	m.sessionLength.Store(minutes * int64(time.Minute))
}

// Login authenticates username and password against the directory and, on
// a match, issues a new session. Every failure, whatever its cause, yields
// the same unsuccessful result.
func (m *Manager) Login(ctx context.Context, username, password string) LoginResult {
	if util.IsBlank(username) || util.IsBlank(password) {
		m.metrics.login(resultRejected)
		return LoginResult{}
	}
	if m.connector == nil {
		m.logger.Error("login failed", "error", ErrNotConfigured)
		m.metrics.login(resultError)
		return LoginResult{}
	}

	user, err := m.users.LookupUser(ctx, username)
	if err != nil || user == nil {
		if err != nil && !errors.Is(err, identity.ErrUserNotFound) {
			m.logger.Warn("user lookup failed", "username", username, "error", err)
		}
		m.metrics.login(resultDenied)
		return LoginResult{}
	}

	if !m.verifier.VerifyPassword(password, user.Salt, user.Password) {
		m.logger.Info("password mismatch", "username", username)
		m.metrics.login(resultDenied)
		return LoginResult{}
	}

	token, err := m.newToken()
	if err != nil {
		m.logger.Error("generating token", "error", err)
		m.metrics.login(resultError)
		return LoginResult{}
	}
	now := m.now()
	sess := storage.Session{
		UserID:     user.UserID,
		Token:      token,
		Expiration: now.Add(m.SessionLength()),
		CreatedAt:  now,
	}
	_, err = withConn(ctx, m, func(ctx context.Context, conn storage.Conn) (struct{}, error) {
		return struct{}{}, conn.Add(ctx, sess)
	})
	if err != nil {
		m.logOpFailure("login", err)
		m.metrics.login(resultError)
		return LoginResult{}
	}

	m.logger.Debug("session issued", "user_id", user.UserID, "expires", sess.Expiration)
	m.metrics.login(resultSuccess)
	return LoginResult{success: true, token: token}
}

// Logout revokes token. It returns true only when a matching session was
// found and the revocation was stored. Tokens of the wrong shape are
// rejected without touching the store.
func (m *Manager) Logout(ctx context.Context, token string) bool {
	if util.IsBlank(token) || len(token) != uuid.TokenLength {
		m.metrics.logout(resultRejected)
		return false
	}

	revoked, err := withConn(ctx, m, func(ctx context.Context, conn storage.Conn) (bool, error) {
		sess, err := conn.FindByToken(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		sess.IsExpired = true
		if err := conn.Update(ctx, sess); err != nil {
			return false, err
		}
		return true, nil
	})
	switch {
	case err != nil:
		m.logOpFailure("logout", err)
		m.metrics.logout(resultError)
		return false
	case !revoked:
		m.metrics.logout(resultNotFound)
		return false
	}
	m.metrics.logout(resultSuccess)
	return true
}

// IsTokenValid reports whether token names a session that is not revoked
// and has not yet expired.
func (m *Manager) IsTokenValid(ctx context.Context, token string) bool {
	if util.IsBlank(token) {
		return false
	}
	valid, err := withConn(ctx, m, func(ctx context.Context, conn storage.Conn) (bool, error) {
		sess, err := conn.FindByToken(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return sess.Valid(m.now()), nil
	})
	if err != nil {
		m.logOpFailure("validate", err)
		return false
	}
	return valid
}

// RefreshToken moves the expiration of a valid token to now plus the
// session length. Unknown, expired and revoked tokens are left untouched.
func (m *Manager) RefreshToken(ctx context.Context, token string) {
	if util.IsBlank(token) {
		return
	}
	refreshed, err := withConn(ctx, m, func(ctx context.Context, conn storage.Conn) (bool, error) {
		now := m.now()
		err := conn.Extend(ctx, token, now.Add(m.SessionLength()), now)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	})
	switch {
	case err != nil:
		m.logOpFailure("refresh", err)
		m.metrics.refresh(resultError)
	case !refreshed:
		m.metrics.refresh(resultNotFound)
	default:
		m.metrics.refresh(resultSuccess)
	}
}

// Sweep deletes every session that is no longer valid and returns how many
// were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return withConn(ctx, m, func(ctx context.Context, conn storage.Conn) (int, error) {
		return conn.DeleteInvalid(ctx, m.now())
	})
}

// StartSweeper runs Sweep every interval until Close. Calling it again
// replaces the running sweeper.
func (m *Manager) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.stopSweeper()

	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	stop := make(chan struct{})
	done := make(chan struct{})
	m.sweepStop, m.sweepDone = stop, done
	go m.sweepLoop(interval, stop, done)
}

func (m *Manager) sweepLoop(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := m.Sweep(context.Background())
			if err != nil {
				m.logger.Error("sweeping sessions", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Info("swept invalid sessions", "count", n)
			}
		}
	}
}

func (m *Manager) stopSweeper() {
	m.sweepMu.Lock()
	stop, done := m.sweepStop, m.sweepDone
	m.sweepStop, m.sweepDone = nil, nil
	m.sweepMu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Close stops the sweeper and, if the manager created its own executor,
// cancels outstanding store operations.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.stopSweeper()
		if m.ownsExec {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.exec.Close(ctx); err != nil {
				m.logger.Warn("closing executor", "error", err)
			}
		}
	})
}

// logOpFailure logs a failed store operation. Aborts caused by forced
// termination are expected and logged at WARN.
func (m *Manager) logOpFailure(op string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if executor.IsForcedTermination() {
			m.logger.Warn("session store operation aborted", "op", op, "error", err)
			return
		}
	}
	m.logger.Error("session store operation failed", "op", op, "error", err)
}

// withConn runs fn as an executor unit on a freshly opened connection that
// is closed on every exit path.
func withConn[T any](ctx context.Context, m *Manager, fn func(ctx context.Context, conn storage.Conn) (T, error)) (T, error) {
	var zero T
	if m.connector == nil {
		return zero, ErrNotConfigured
	}
	return executor.Do(ctx, m.exec, func(ctx context.Context, u *executor.Unit) (T, error) {
		conn, err := m.connector.Open(ctx)
		if err != nil {
			return zero, fmt.Errorf("opening session store: %w", err)
		}
		defer func() {
			if cerr := conn.Close(); cerr != nil {
				m.logger.Warn("closing session store connection", "error", cerr)
			}
		}()
		if u.Cancelled() {
			return zero, context.Canceled
		}
		return fn(ctx, conn)
	})
}
