package gatestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] counter, ARGV[1] ceiling, ARGV[2] ttl in ms.
var incrWithCeilingScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= tonumber(ARGV[1]) then
	return {0, cur}
end
local v = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {1, v}
`)

// KEYS[1] counter.
var decrFloorScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur <= 1 then
	redis.call('DEL', KEYS[1])
	return 0
end
return redis.call('DECR', KEYS[1])
`)

// KEYS[1] counter, ARGV[1] window in ms.
var incrFixedWindowScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 or redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// RedisStore is a GateStore shared by every process pointing at the same Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

var (
	_ GateStore = (*RedisStore)(nil)
	_ Pinger    = (*RedisStore)(nil)
)

// wrap marks transport failures as ErrStoreUnavailable. Cancellation by the
// caller is passed through unchanged.
func wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// IncrWithCeiling implements GateStore with a single Lua script so the ceiling
// check and the increment cannot interleave with another caller.
func (s *RedisStore) IncrWithCeiling(
	ctx context.Context,
	key string,
	ceiling int64,
	ttl time.Duration,
) (Result, error) {
	if err := validate(ceiling, ttl); err != nil {
		return Result{}, err
	}

	vals, err := incrWithCeilingScript.Run(ctx, s.client, []string{key}, ceiling, ttl.Milliseconds()).
		Int64Slice()
	if err != nil {
		return Result{}, wrap(ctx, "incr with ceiling", err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("incr with ceiling: unexpected reply length %d", len(vals))
	}
	return Result{OK: vals[0] == 1, Value: vals[1]}, nil
}

// Decr implements GateStore.
func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	v, err := decrFloorScript.Run(ctx, s.client, []string{key}).Int64()
	if err != nil {
		return 0, wrap(ctx, "decr", err)
	}
	return v, nil
}

// IncrFixedWindow implements GateStore.
func (s *RedisStore) IncrFixedWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, ErrInvalidTTL
	}
	v, err := incrFixedWindowScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, wrap(ctx, "incr fixed window", err)
	}
	return v, nil
}

// Get implements GateStore.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	// A non-numeric value is not an outage.
	if numErr := (*strconv.NumError)(nil); errors.As(err, &numErr) {
		return 0, fmt.Errorf("get %s: %w", key, ErrNotCounter)
	}
	if err != nil {
		return 0, wrap(ctx, "get", err)
	}
	return v, nil
}

// TTL implements GateStore.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, wrap(ctx, "ttl", err)
	}
	// -1 and -2 (no expiry, missing key) come back as raw negative values.
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Delete implements GateStore.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return wrap(ctx, "delete", s.client.Del(ctx, key).Err())
}

// SetNX implements GateStore.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrap(ctx, "setnx", err)
	}
	return ok, nil
}

// Ping implements Pinger.
func (s *RedisStore) Ping(ctx context.Context) error {
	return wrap(ctx, "ping", s.client.Ping(ctx).Err())
}
