package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

// TestRedisStore_Integration requires a running Redis on localhost.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer func() { _ = client.Close() }()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	s := NewRedisStore(client, "govkernel-test:")
	client.Del(ctx, s.key("redis-op"))
	t.Cleanup(func() { client.Del(context.Background(), s.key("redis-op")) })

	now := time.Now().UTC()
	rec := &contracts.IdempotencyRecord{OperationKey: "redis-op", RecordedAt: now, Payload: map[string]any{"ok": true}}

	ok, err := s.Put(ctx, rec, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Put(ctx, rec, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, "redis-op")
	require.NoError(t, err)
	assert.Equal(t, true, got.Payload["ok"])

	ttl, err := client.PTTL(ctx, s.key("redis-op")).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Minute)

	_, err = s.Get(ctx, "absent")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestRedisStore_RejectsNonPositiveTTL(t *testing.T) {
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "")
	_, err := s.Put(context.Background(), &contracts.IdempotencyRecord{OperationKey: "k", RecordedAt: t0}, t0)
	assert.Error(t, err)
}
