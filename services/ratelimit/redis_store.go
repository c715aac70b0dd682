package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/computer-use-api/config"
)

// incrementScript increments the counter and arms its expiry on the first hit
// of a window. A key that lost its TTL is re-armed so it can never live forever.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore is a CounterStore shared by every API instance
type RedisStore struct {
	client redis.Scripter
	now    func() time.Time
}

// NewRedisStore creates a counter store on top of a redis client
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Increment implements CounterStore with a single atomic script call
func (r *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (Counter, error) {
	values, err := incrementScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Counter{}, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	if len(values) != 2 {
		return Counter{}, fmt.Errorf("unexpected rate counter reply: %v", values)
	}

	return Counter{
		Key:       key,
		Count:     values[0],
		ExpiresAt: r.now().Add(time.Duration(values[1]) * time.Millisecond),
	}, nil
}

// NewRedisClient parses REDIS_URL and verifies the server answers
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}
