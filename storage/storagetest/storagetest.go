// Package storagetest provides a conformance suite that every
// storage.Connector implementation is expected to pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeep/internal/uuid"
	"github.com/jmcleod/gatekeep/storage"
)

// Factory returns a connector backed by an empty store. It is called once
// per subtest.
type Factory func(t *testing.T) storage.Connector

// Run exercises the storage.Conn contract against connectors built by f.
func Run(t *testing.T, f Factory) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("add and find", func(t *testing.T) {
		conn := open(t, f(t))
		s := newSession("user-1", now.Add(time.Hour), now)
		require.NoError(t, conn.Add(context.Background(), s))

		got, err := conn.FindByToken(context.Background(), s.Token)
		require.NoError(t, err)
		assertSession(t, s, got)
	})

	t.Run("add duplicate token", func(t *testing.T) {
		conn := open(t, f(t))
		s := newSession("user-1", now.Add(time.Hour), now)
		require.NoError(t, conn.Add(context.Background(), s))

		dup := s
		dup.UserID = "user-2"
		err := conn.Add(context.Background(), dup)
		assert.ErrorIs(t, err, storage.ErrDuplicateToken)

		got, err := conn.FindByToken(context.Background(), s.Token)
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.UserID)
	})

	t.Run("find missing", func(t *testing.T) {
		conn := open(t, f(t))
		_, err := conn.FindByToken(context.Background(), uuid.New())
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = conn.FindActive(context.Background(), uuid.New(), now)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("find active", func(t *testing.T) {
		conn := open(t, f(t))
		ctx := context.Background()

		valid := newSession("valid", now.Add(time.Hour), now)
		lapsed := newSession("lapsed", now.Add(-time.Minute), now.Add(-time.Hour))
		revoked := newSession("revoked", now.Add(time.Hour), now)
		revoked.IsExpired = true
		for _, s := range []storage.Session{valid, lapsed, revoked} {
			require.NoError(t, conn.Add(ctx, s))
		}

		got, err := conn.FindActive(ctx, valid.Token, now)
		require.NoError(t, err)
		assert.Equal(t, "valid", got.UserID)

		_, err = conn.FindActive(ctx, lapsed.Token, now)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = conn.FindActive(ctx, revoked.Token, now)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		// Expiration exactly at now is already invalid.
		_, err = conn.FindActive(ctx, valid.Token, valid.Expiration)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		got, err = conn.FindByToken(ctx, revoked.Token)
		require.NoError(t, err)
		assert.True(t, got.IsExpired)
	})

	t.Run("update", func(t *testing.T) {
		conn := open(t, f(t))
		ctx := context.Background()
		s := newSession("user-1", now.Add(time.Hour), now)
		require.NoError(t, conn.Add(ctx, s))

		s.Expiration = now.Add(2 * time.Hour)
		require.NoError(t, conn.Update(ctx, s))
		got, err := conn.FindByToken(ctx, s.Token)
		require.NoError(t, err)
		assertSession(t, s, got)

		s.IsExpired = true
		require.NoError(t, conn.Update(ctx, s))
		got, err = conn.FindByToken(ctx, s.Token)
		require.NoError(t, err)
		assert.True(t, got.IsExpired)
		assert.False(t, got.Valid(now))
	})

	t.Run("update missing", func(t *testing.T) {
		conn := open(t, f(t))
		err := conn.Update(context.Background(), newSession("ghost", now.Add(time.Hour), now))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("extend", func(t *testing.T) {
		conn := open(t, f(t))
		ctx := context.Background()
		s := newSession("user-1", now.Add(time.Hour), now)
		require.NoError(t, conn.Add(ctx, s))

		later := now.Add(3 * time.Hour)
		require.NoError(t, conn.Extend(ctx, s.Token, later, now))
		got, err := conn.FindByToken(ctx, s.Token)
		require.NoError(t, err)
		s.Expiration = later
		assertSession(t, s, got)
	})

	t.Run("extend only valid sessions", func(t *testing.T) {
		conn := open(t, f(t))
		ctx := context.Background()

		lapsed := newSession("lapsed", now.Add(-time.Minute), now.Add(-time.Hour))
		revoked := newSession("revoked", now.Add(time.Hour), now)
		revoked.IsExpired = true
		for _, s := range []storage.Session{lapsed, revoked} {
			require.NoError(t, conn.Add(ctx, s))
		}

		later := now.Add(3 * time.Hour)
		assert.ErrorIs(t, conn.Extend(ctx, lapsed.Token, later, now), storage.ErrNotFound)
		assert.ErrorIs(t, conn.Extend(ctx, revoked.Token, later, now), storage.ErrNotFound)
		assert.ErrorIs(t, conn.Extend(ctx, uuid.New(), later, now), storage.ErrNotFound)

		for _, want := range []storage.Session{lapsed, revoked} {
			got, err := conn.FindByToken(ctx, want.Token)
			require.NoError(t, err)
			assertSession(t, want, got)
		}
	})

	t.Run("extend after revocation", func(t *testing.T) {
		conn := open(t, f(t))
		ctx := context.Background()
		s := newSession("user-1", now.Add(time.Hour), now)
		require.NoError(t, conn.Add(ctx, s))

		revoked := s
		revoked.IsExpired = true
		require.NoError(t, conn.Update(ctx, revoked))

		err := conn.Extend(ctx, s.Token, now.Add(3*time.Hour), now)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		got, err := conn.FindByToken(ctx, s.Token)
		require.NoError(t, err)
		assert.True(t, got.IsExpired)
		assert.False(t, got.Valid(now))
	})

	t.Run("delete invalid", func(t *testing.T) {
		conn := open(t, f(t))
		ctx := context.Background()

		valid := newSession("valid", now.Add(time.Hour), now)
		lapsed := newSession("lapsed", now.Add(-time.Minute), now.Add(-time.Hour))
		revoked := newSession("revoked", now.Add(time.Hour), now)
		revoked.IsExpired = true
		for _, s := range []storage.Session{valid, lapsed, revoked} {
			require.NoError(t, conn.Add(ctx, s))
		}

		n, err := conn.DeleteInvalid(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = conn.FindByToken(ctx, valid.Token)
		assert.NoError(t, err)
		_, err = conn.FindByToken(ctx, lapsed.Token)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = conn.FindByToken(ctx, revoked.Token)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		n, err = conn.DeleteInvalid(ctx, now)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("connections share state", func(t *testing.T) {
		c := f(t)
		s := newSession("user-1", now.Add(time.Hour), now)

		writer := open(t, c)
		require.NoError(t, writer.Add(context.Background(), s))

		reader := open(t, c)
		got, err := reader.FindByToken(context.Background(), s.Token)
		require.NoError(t, err)
		assert.Equal(t, s.UserID, got.UserID)
	})

	t.Run("concurrent adds", func(t *testing.T) {
		c := f(t)
		const workers = 8
		tokens := make([]string, workers)
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			s := newSession(fmt.Sprintf("user-%d", i), now.Add(time.Hour), now)
			tokens[i] = s.Token
			wg.Add(1)
			go func() {
				defer wg.Done()
				conn, err := c.Open(context.Background())
				if err != nil {
					errs <- err
					return
				}
				defer conn.Close()
				if err := conn.Add(context.Background(), s); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		conn := open(t, c)
		for _, tok := range tokens {
			_, err := conn.FindActive(context.Background(), tok, now)
			assert.NoError(t, err)
		}
	})
}

func open(t *testing.T, c storage.Connector) storage.Conn {
	t.Helper()
	conn, err := c.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newSession(userID string, expiration, created time.Time) storage.Session {
	return storage.Session{
		UserID:     userID,
		Token:      uuid.New(),
		Expiration: expiration,
		CreatedAt:  created,
	}
}

func assertSession(t *testing.T, want, got storage.Session) {
	t.Helper()
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.Token, got.Token)
	assert.Equal(t, want.IsExpired, got.IsExpired)
	assert.True(t, want.Expiration.Equal(got.Expiration), "expiration: want %s, got %s", want.Expiration, got.Expiration)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at: want %s, got %s", want.CreatedAt, got.CreatedAt)
}
