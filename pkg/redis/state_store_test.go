package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*StateStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStateStore(client), s
}

func TestStateStoreConsumeOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "nonce-1", time.Minute))

	ok, err := store.Consume(ctx, "nonce-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Consume(ctx, "nonce-1")
	require.NoError(t, err)
	assert.False(t, ok, "state must not be reusable")
}

func TestStateStoreRejectsDuplicateSave(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "nonce-1", time.Minute))
	assert.ErrorIs(t, store.Save(ctx, "nonce-1", time.Minute), ErrStateExists)
}

func TestStateStoreExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "nonce-1", time.Minute))
	mr.FastForward(2 * time.Minute)

	ok, err := store.Consume(ctx, "nonce-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateStoreUnknownNonce(t *testing.T) {
	store, _ := newTestStore(t)

	ok, err := store.Consume(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
