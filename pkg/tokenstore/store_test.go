package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "gh", "token-value", time.Minute))

	tok, err := s.Get(ctx, "gh")
	require.NoError(t, err)
	assert.Equal(t, "token-value", tok.Value)

	require.NoError(t, s.Delete(ctx, "gh"))
	_, err = s.Get(ctx, "gh")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "gh", "v", -time.Second))
	_, err := s.Get(ctx, "gh")
	assert.ErrorIs(t, err, ErrTokenExpired)
}
