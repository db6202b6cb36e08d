// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
)

// addIfLower writes the score of a sorted set member unless the member already
// has a lower or equal score.
//
// KEYS[1]: the sorted set.
// ARGV[1]: the candidate score.
// ARGV[2]: the member.
var addIfLower = redis.NewScript(1, `
	local cur = redis.call("ZSCORE", KEYS[1], ARGV[2])
	if cur and tonumber(cur) <= tonumber(ARGV[1]) then
		return 0
	end
	redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
	return 1
`)

// removeUpTo removes sorted set members whose score is not above ARGV[1].
//
// KEYS[1]: the sorted set.
// ARGV[1]: the maximum score.
// ARGV[2...]: members.
var removeUpTo = redis.NewScript(1, `
	local max = tonumber(ARGV[1])
	local n = 0
	for i = 2, #ARGV do
		local cur = redis.call("ZSCORE", KEYS[1], ARGV[i])
		if cur and tonumber(cur) <= max then
			n = n + redis.call("ZREM", KEYS[1], ARGV[i])
		end
	end
	return n
`)

// incrWithExpiry increments a counter and refreshes its TTL.
//
// KEYS[1]: the counter.
// ARGV[1]: TTL in milliseconds.
var incrWithExpiry = redis.NewScript(1, `
	local v = redis.call("INCR", KEYS[1])
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	return v
`)

// deleteIfValue deletes a key only if it holds the expected value.
//
// KEYS[1]: the key.
// ARGV[1]: the expected value.
var deleteIfValue = redis.NewScript(1, `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Redis implements Store on top of a Redis connection pool.
//
// It is a handle with explicit lifecycle: create it at process start with
// NewRedis and Close it at shutdown.
type Redis struct {
	pool *redis.Pool
}

var _ Store = (*Redis)(nil)

// NewRedis returns a Store that uses connections from the given pool, usually
// the one of the redisconn server module.
func NewRedis(pool *redis.Pool) *Redis {
	return &Redis{pool: pool}
}

// Close closes the underlying pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	switch blob, err := redis.Bytes(r.do(ctx, "GET", key)); {
	case err == redis.ErrNil:
		return nil, false, nil
	case err != nil:
		return nil, false, err
	default:
		return blob, true, nil
	}
}

// SetWithExpiry implements Store.
func (r *Redis) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ms, err := ttlMillis(ttl)
	if err != nil {
		return err
	}
	_, err = r.do(ctx, "SET", key, value, "PX", ms)
	return err
}

// SetIfAbsent implements Store.
func (r *Redis) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ms, err := ttlMillis(ttl)
	if err != nil {
		return false, err
	}
	switch _, err := redis.String(r.do(ctx, "SET", key, value, "PX", ms, "NX")); {
	case err == redis.ErrNil:
		return false, nil
	case err != nil:
		return false, err
	default:
		return true, nil
	}
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := r.do(ctx, "DEL", redis.Args{}.AddFlat(keys)...)
	return err
}

// DeleteIfValue implements Store.
func (r *Redis) DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := redis.Int(r.eval(ctx, deleteIfValue, key, value))
	return n > 0, err
}

// Exists implements Store.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	return redis.Bool(r.do(ctx, "EXISTS", key))
}

// IncrWithExpiry implements Store.
func (r *Redis) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ms, err := ttlMillis(ttl)
	if err != nil {
		return 0, err
	}
	return redis.Int64(r.eval(ctx, incrWithExpiry, key, ms))
}

// SortedSetAdd implements Store.
func (r *Redis) SortedSetAdd(ctx context.Context, setKey string, score float64, member string) error {
	_, err := r.do(ctx, "ZADD", setKey, formatScore(score), member)
	return err
}

// SortedSetAddIfLower implements Store.
func (r *Redis) SortedSetAddIfLower(ctx context.Context, setKey string, score float64, member string) (bool, error) {
	n, err := redis.Int(r.eval(ctx, addIfLower, setKey, formatScore(score), member))
	return n > 0, err
}

// SortedSetScore implements Store.
func (r *Redis) SortedSetScore(ctx context.Context, setKey, member string) (float64, bool, error) {
	switch score, err := redis.Float64(r.do(ctx, "ZSCORE", setKey, member)); {
	case err == redis.ErrNil:
		return 0, false, nil
	case err != nil:
		return 0, false, err
	default:
		return score, true, nil
	}
}

// SortedSetRangeByScore implements Store.
func (r *Redis) SortedSetRangeByScore(ctx context.Context, setKey string, min, max float64, offset, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	return redis.Strings(r.do(ctx, "ZRANGEBYSCORE", setKey,
		formatScore(min), formatScore(max), "LIMIT", offset, limit))
}

// SortedSetRemove implements Store.
func (r *Redis) SortedSetRemove(ctx context.Context, setKey string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	_, err := r.do(ctx, "ZREM", redis.Args{setKey}.AddFlat(members)...)
	return err
}

// SortedSetRemoveUpTo implements Store.
func (r *Redis) SortedSetRemoveUpTo(ctx context.Context, setKey string, max float64, members ...string) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}
	return redis.Int(r.eval(ctx, removeUpTo, redis.Args{setKey, formatScore(max)}.AddFlat(members)...))
}

// do runs a single command on a pooled connection.
func (r *Redis) do(ctx context.Context, cmd string, args ...any) (any, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, unavailable(errors.Fmt("getting redis connection: %w", err))
	}
	defer conn.Close()
	reply, err := redis.DoContext(conn, ctx, cmd, args...)
	return reply, classify(cmd, err)
}

// eval runs a Lua script on a pooled connection.
func (r *Redis) eval(ctx context.Context, s *redis.Script, keysAndArgs ...any) (any, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, unavailable(errors.Fmt("getting redis connection: %w", err))
	}
	defer conn.Close()
	reply, err := s.DoContext(ctx, conn, keysAndArgs...)
	return reply, classify("EVALSHA", err)
}

// classify distinguishes replies rejected by Redis from transport failures.
//
// Error replies are returned as is, everything else means Redis is
// unreachable or timed out.
func classify(cmd string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(redis.Error); ok {
		return errors.Fmt("redis %s: %w", cmd, err)
	}
	return unavailable(errors.Fmt("redis %s: %w", cmd, err))
}

func unavailable(err error) error {
	return Unavailable.Apply(transient.Tag.Apply(err))
}

func ttlMillis(ttl time.Duration) (int64, error) {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return 0, errors.Fmt("TTL must be at least 1ms, got %s", ttl)
	}
	return ms, nil
}

func formatScore(score float64) string {
	switch {
	case math.IsInf(score, 1):
		return "+inf"
	case math.IsInf(score, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(score, 'f', -1, 64)
	}
}
