package bbolt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/gatekeep/storage"
	"github.com/jmcleod/gatekeep/storage/storagetest"
)

func newTestDB(t *testing.T) (*bbolt.DB, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "sessions-test-*.db")
	if err != nil {
		t.Fatalf("could not create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		os.Remove(path)
		t.Fatalf("could not open db: %v", err)
	}
	return db, func() {
		db.Close()
		os.Remove(path)
	}
}

func TestBBoltStoreConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Connector {
		db, cleanup := newTestDB(t)
		t.Cleanup(cleanup)
		s, err := NewStore(db)
		require.NoError(t, err)
		return s
	})
}

func TestBBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	sess := storage.Session{
		UserID:     "u1",
		Token:      "0123456789abcdef0123456789abcdef",
		Expiration: time.Now().Add(time.Hour).UTC(),
	}

	s, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	conn, err := s.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Add(context.Background(), sess))
	require.NoError(t, conn.Close())
	require.NoError(t, s.Close())

	s, err = NewStoreFromFile(path, nil)
	require.NoError(t, err)
	defer s.Close()
	conn, err = s.Open(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	got, err := conn.FindByToken(context.Background(), sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestBBoltStoreCancelledContext(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	s, err := NewStore(db)
	require.NoError(t, err)

	conn, err := s.Open(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = conn.FindByToken(ctx, "0123456789abcdef0123456789abcdef")
	assert.ErrorIs(t, err, context.Canceled)
}
