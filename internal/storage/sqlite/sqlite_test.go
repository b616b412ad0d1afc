package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rovshanmuradov/tradesync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "creds.db")

	s, err := Open(dsn, zap.NewNop())
	require.NoError(t, err)

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	exp := time.Now().Add(15 * time.Minute).Truncate(time.Millisecond).UTC()
	require.NoError(t, s.Save(ctx, storage.Credentials{
		AccessToken:     "access-1",
		RefreshToken:    "refresh-1",
		AccessExpiresAt: exp,
	}))
	require.NoError(t, s.Save(ctx, storage.Credentials{
		AccessToken:     "access-2",
		RefreshToken:    "refresh-1",
		AccessExpiresAt: exp,
	}))
	require.NoError(t, s.Close())

	s, err = Open(dsn, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-2", got.AccessToken)
	assert.Equal(t, "refresh-1", got.RefreshToken)
	assert.True(t, exp.Equal(got.AccessExpiresAt))
}

func TestStoreClear(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "creds.db"), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, storage.Credentials{AccessToken: "a"}))
	require.NoError(t, s.Clear(ctx))

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// clearing twice is fine
	require.NoError(t, s.Clear(ctx))
}

func TestStoreZeroExpiry(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "creds.db"), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, storage.Credentials{AccessToken: "a"}))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.AccessExpiresAt.IsZero())
}
