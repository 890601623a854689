package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

// RedisStore keeps records as JSON strings whose TTL is the remaining
// retention, so Redis evicts them on its own.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore uses keys "<prefix>idempotency:<key>".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + "idempotency:" + k
}

func (s *RedisStore) Get(ctx context.Context, key string) (*contracts.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("idempotency record %q: %w", key, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, contracts.StorageError("redis get idempotency record", err)
	}
	var rec contracts.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, contracts.StorageError("redis decode idempotency record", err)
	}
	return &rec, nil
}

// Put uses SET NX. A key that is still present has not reached its TTL and
// therefore counts as unexpired.
func (s *RedisStore) Put(ctx context.Context, rec *contracts.IdempotencyRecord, cutoff time.Time) (bool, error) {
	ttl := rec.RecordedAt.Sub(cutoff)
	if ttl <= 0 {
		return false, fmt.Errorf("idempotency record %q: retention must be positive", rec.OperationKey)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode idempotency record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(rec.OperationKey), raw, ttl).Result()
	if err != nil {
		return false, contracts.StorageError("redis put idempotency record", err)
	}
	return ok, nil
}

// DeleteExpired is a no-op: expiry is delegated to key TTLs.
func (s *RedisStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}
