package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisScanCount  = 512
	redisLockPrefix = "lock:"
	redisLockRetry  = 10 * time.Millisecond
	defaultLockTTL  = 30 * time.Second
)

var redisUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis keeps the key space in plain Redis types so it can be inspected with
// redis-cli: counters are strings, hashes are hashes, sets are sets.
type Redis struct {
	client *redis.Client
}

var _ Store = (*Redis)(nil)

func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s %s: %w", key, field, err)
	}
	return nil
}

func (r *Redis) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	set, err := r.client.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, fmt.Errorf("redis hsetnx %s %s: %w", key, field, err)
	}
	return set, nil
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s %s: %w", key, field, err)
	}
	return v, true, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, member := range members {
		args[i] = member
	}
	if err := r.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", key, err)
	}
	return sortedUnique(v), nil
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	return sortedUnique(keys), nil
}

func (r *Redis) Lock(ctx context.Context, name string, ttl time.Duration) (Unlock, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	key := redisLockPrefix + name
	token := uuid.NewString()

	ticker := time.NewTicker(redisLockRetry)
	defer ticker.Stop()
	for {
		acquired, err := r.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", name, err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, name, ctx.Err())
		case <-ticker.C:
		}
	}

	return func(ctx context.Context) error {
		if err := redisUnlockScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("redis unlock %s: %w", name, err)
		}
		return nil
	}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func escapeGlob(pattern string) string {
	var b strings.Builder
	for _, ch := range pattern {
		switch ch {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(ch)
	}
	return b.String()
}
