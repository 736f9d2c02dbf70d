package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrMissingURL = errors.New("redis url is required")

// releaseScript deletes the key only while it still holds our token, so a
// holder whose TTL lapsed cannot release a lock taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Connect parses url, opens a client and verifies it with PING.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, ErrMissingURL
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	slog.Info("Connected to redis", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}

// RedisLocker is a single-instance Redis lock with TTL-bounded ownership.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock takes key for ttl without waiting. ok is false when another owner
// holds it.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	name := l.prefix + key
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !acquired {
		return nil, false, nil
	}

	unlock := func() {
		// The caller's context may already be cancelled at release time.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{name}, token).Err(); err != nil {
			slog.Warn("Failed to release lock", "lock", name, "error", err)
		}
	}
	return unlock, true, nil
}
