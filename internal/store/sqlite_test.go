package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &Record{ID: "s1", Title: "sketch night", HostUserID: "alice"}))

	rec, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "sketch night", rec.Title)
	assert.Equal(t, StatusLive, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpdateStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &Record{ID: "s1"}))
	require.NoError(t, s.UpdateStatus(ctx, "s1", StatusIdle))

	rec, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, rec.Status)

	assert.ErrorIs(t, s.UpdateStatus(ctx, "ghost", StatusIdle), ErrNotFound)
}

func TestSQLiteStore_DuplicateCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &Record{ID: "s1"}))
	assert.Error(t, s.CreateSession(ctx, &Record{ID: "s1"}))
}
