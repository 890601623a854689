package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/database"
)

// redisWindowCASScript writes a spending window only when the stored version
// matches.
// KEYS[1] = window hash key
// ARGV[1] = expected version (0 when the window does not exist)
// ARGV[2..7] = daily, weekly, monthly, daily_reset, weekly_reset, monthly_reset
var redisWindowCASScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])
local current = tonumber(redis.call("HGET", key, "version") or "0")

if current ~= expected then
    return {0, current}
end

local version = current + 1
redis.call("HSET", key,
    "daily", ARGV[2], "weekly", ARGV[3], "monthly", ARGV[4],
    "daily_reset", ARGV[5], "weekly_reset", ARGV[6], "monthly_reset", ARGV[7],
    "version", version)
return {1, version}
`)

// RedisStorage keeps spending windows in Redis hashes.
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStorage uses client; keys are "<prefix>spending:<actor>".
func NewRedisStorage(client redis.UniversalClient, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix}
}

func (s *RedisStorage) key(actorID string) string {
	return s.prefix + "spending:" + actorID
}

func (s *RedisStorage) Load(ctx context.Context, actorID string) (*contracts.SpendingWindow, error) {
	fields, err := s.client.HGetAll(ctx, s.key(actorID)).Result()
	if err != nil {
		return nil, contracts.StorageError("redis load spending window", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	w := &contracts.SpendingWindow{ActorID: actorID}
	parse := func(name string, dst *int64) error {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		*dst = v
		return nil
	}
	errs := []error{
		parse("daily", &w.Daily),
		parse("weekly", &w.Weekly),
		parse("monthly", &w.Monthly),
		parse("version", &w.Version),
	}
	if w.DailyReset, err = database.ParseTime(fields["daily_reset"]); err != nil {
		errs = append(errs, err)
	}
	if w.WeeklyReset, err = database.ParseTime(fields["weekly_reset"]); err != nil {
		errs = append(errs, err)
	}
	if w.MonthlyReset, err = database.ParseTime(fields["monthly_reset"]); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, contracts.StorageError("redis decode spending window", err)
	}
	return w, nil
}

func (s *RedisStorage) Save(ctx context.Context, w *contracts.SpendingWindow) error {
	res, err := redisWindowCASScript.Run(ctx, s.client, []string{s.key(w.ActorID)},
		w.Version, w.Daily, w.Weekly, w.Monthly,
		database.FormatTime(w.DailyReset), database.FormatTime(w.WeeklyReset), database.FormatTime(w.MonthlyReset),
	).Slice()
	if err != nil {
		return contracts.StorageError("redis save spending window", err)
	}
	if len(res) != 2 {
		return contracts.StorageError("redis save spending window", fmt.Errorf("invalid response from lua script"))
	}
	ok, _ := res[0].(int64)
	version, _ := res[1].(int64)
	if ok != 1 {
		return fmt.Errorf("%w: spending window %s at version %d, expected %d",
			contracts.ErrConflict, w.ActorID, version, w.Version)
	}
	w.Version = version
	return nil
}
