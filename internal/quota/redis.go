package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HanTheDev/promptgen/internal/errors"
)

// incrementScript checks and increments a counter in one server-side step.
// KEYS[1] counter, ARGV[1] limit (-1 unlimited), ARGV[2] expiry in seconds
// (0 keeps the counter).
var incrementScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if limit >= 0 and current >= limit then
  return {0, current}
end
local count = redis.call('INCR', KEYS[1])
local ttl = tonumber(ARGV[2])
if count == 1 and ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return {1, count}
`)

// RedisStore keeps monthly counters in Redis. Past periods are kept as usage
// history unless Retention is set, in which case a counter expires that long
// after its first increment. A non-zero Retention must exceed the longest
// period.
type RedisStore struct {
	client    *redis.Client
	Retention time.Duration
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(userID, periodKey string) string {
	return fmt.Sprintf("quota:user:%s:%s", userID, periodKey)
}

func (s *RedisStore) IncrementIfBelow(ctx context.Context, userID, periodKey string, limit int64) (int64, bool, error) {
	res, err := incrementScript.Run(ctx, s.client,
		[]string{redisKey(userID, periodKey)},
		limit, int64(s.Retention/time.Second),
	).Int64Slice()
	if err != nil {
		return 0, false, errors.NewStorage("redis quota increment", err)
	}
	if len(res) != 2 {
		return 0, false, errors.NewStorage("redis quota increment", errors.Newf("unexpected script reply %v", res))
	}
	return res[1], res[0] == 1, nil
}

func (s *RedisStore) Usage(ctx context.Context, userID, periodKey string) (int64, error) {
	count, err := s.client.Get(ctx, redisKey(userID, periodKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.NewStorage("redis quota usage", err)
	}
	return count, nil
}
