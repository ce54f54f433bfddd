package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowAddScript is the sliding-window primitive: trim, count, add-if-below,
// as a single atomic unit on the server.
var windowAddScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[2]) then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
  return {1, count}
end
return {0, count}
`)

// windowKeyTTLSeconds bounds how long an idle window key survives. Entries
// are trimmed on every check, so this only matters for providers that go
// fully quiet.
const windowKeyTTLSeconds = 120

// RedisStore is the production Store backed by a Redis server.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore connects to the Redis instance described by url
// (redis://host:port/db).
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisStore{rdb: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisStoreFromClient(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis setex %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	if err := s.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return m, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]Member, error) {
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore %s: %w", key, err)
	}
	out := make([]Member, 0, len(zs))
	for _, z := range zs {
		out = append(out, Member{Score: z.Score, Member: fmt.Sprint(z.Member)})
	}
	return out, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.rdb.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zremrangebyscore %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.rdb.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcount %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZAddIfCountBelow(ctx context.Context, key string, trimBelow float64, limit int64, score float64, member string) (bool, int64, error) {
	res, err := windowAddScript.Run(ctx, s.rdb, []string{key},
		formatScore(trimBelow), limit, formatScore(score), member, windowKeyTTLSeconds,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis window add %s: %w", key, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("redis window add %s: unexpected reply %v", key, res)
	}
	added, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return added == 1, count, nil
}

type redisPipe struct {
	pipe redis.Pipeliner
	ctx  context.Context
}

func (p *redisPipe) Set(key, value string) { p.pipe.Set(p.ctx, key, value, 0) }

func (p *redisPipe) Del(keys ...string) { p.pipe.Del(p.ctx, keys...) }

func (p *redisPipe) HSet(key, field, value string) {
	p.pipe.HSet(p.ctx, key, field, value)
}

func (p *redisPipe) SetEx(key, value string, ttl time.Duration) {
	p.pipe.Set(p.ctx, key, value, ttl)
}

func (p *redisPipe) ZAdd(key string, score float64, member string) {
	p.pipe.ZAdd(p.ctx, key, redis.Z{Score: score, Member: member})
}

func (p *redisPipe) ZRemRangeByScore(key string, min, max float64) {
	p.pipe.ZRemRangeByScore(p.ctx, key, formatScore(min), formatScore(max))
}

func (p *redisPipe) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(p.ctx, key, ttl)
}

func (s *RedisStore) Pipeline(ctx context.Context, fn func(Pipe)) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&redisPipe{pipe: pipe, ctx: ctx})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
