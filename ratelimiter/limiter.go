package ratelimiter

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	client *redis.Client
	script *redis.Script
}

// Sliding window over a sorted set scored in milliseconds. Members are
// unique so bursts inside the same millisecond are all counted.
const luaScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)

if count >= limit then
    return 0
end

redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return 1
`

func New(addr string, password string, db int) *RateLimiter {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 2 * time.Second,
		ReadTimeout: time.Second,
	})

	return NewWithClient(client)
}

func NewWithClient(client *redis.Client) *RateLimiter {
	return &RateLimiter{
		client: client,
		script: redis.NewScript(luaScript),
	}
}

func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, windowSec int) (bool, error) {
	now := time.Now().UnixMilli()
	windowMs := int64(windowSec) * 1000
	res, err := rl.script.Run(ctx, rl.client, []string{key}, now, windowMs, limit, uuid.NewString()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (rl *RateLimiter) GetRemaining(ctx context.Context, key string, limit int, windowSec int) (int, error) {
	cutoff := time.Now().UnixMilli() - int64(windowSec)*1000
	count, err := rl.client.ZCount(ctx, key, "("+strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, err
	}
	if remaining := limit - int(count); remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

func (rl *RateLimiter) Close() error {
	return rl.client.Close()
}

func (rl *RateLimiter) Ping(ctx context.Context) error {
	return rl.client.Ping(ctx).Err()
}
