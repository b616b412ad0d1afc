package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	exp := time.Now().Add(time.Hour)
	require.NoError(t, m.Save(ctx, Credentials{AccessToken: "a", RefreshToken: "r", AccessExpiresAt: exp}))

	got, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", got.AccessToken)
	assert.Equal(t, "r", got.RefreshToken)
	assert.False(t, got.SavedAt.IsZero())

	// the returned value is a copy
	got.AccessToken = "mutated"
	again, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", again.AccessToken)

	require.NoError(t, m.Clear(ctx))
	_, err = m.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}
