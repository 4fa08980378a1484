package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Redis is a Locker shared by every instance using the same Redis. Each
// key is a SET NX PX entry holding a random token; unlock deletes the key
// only while it still holds that token. The TTL bounds how long a crashed
// holder can block others.
type Redis struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
	retry     time.Duration
	logger    *slog.Logger
}

var _ Locker = (*Redis)(nil)

// RedisOption configures Redis.
type RedisOption func(*Redis)

// WithKeyPrefix sets the key prefix (default "tokenquota:lock:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.keyPrefix = prefix }
}

// WithTTL sets the lock expiry (default 10s).
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// WithRetryInterval sets the polling interval while waiting (default 10ms).
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.retry = d }
}

// WithLogger sets the logger unlock failures are reported to.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = logger }
}

// NewRedis creates a Redis-backed locker. The client must be a connected
// *goredis.Client or *goredis.ClusterClient.
func NewRedis(client goredis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{
		client:    client,
		keyPrefix: "tokenquota:lock:",
		ttl:       10 * time.Second,
		retry:     10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "lock")
	}
	return r
}

// Name implements Locker.
func (r *Redis) Name() string { return "redis" }

// unlockScript deletes KEYS[1] only if it holds ARGV[1].
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock implements Locker.
func (r *Redis) Lock(ctx context.Context, keys []string) (func(), error) {
	keys = normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	release := func() {
		// Release with a fresh context so a cancelled request still frees
		// its keys.
		unlockCtx, cancel := context.WithTimeout(context.Background(), r.ttl)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			r.unlock(unlockCtx, held[i], token)
		}
	}

	for _, key := range keys {
		redisKey := r.keyPrefix + key
		if err := r.acquire(ctx, redisKey, token); err != nil {
			release()
			return nil, err
		}
		held = append(held, redisKey)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// unlock deletes key if it still holds token. A failed delete leaves the
// key blocking other holders until its TTL runs out.
func (r *Redis) unlock(ctx context.Context, key, token string) {
	deleted, err := unlockScript.Run(ctx, r.client, []string{key}, token).Int64()
	switch {
	case err != nil:
		r.logger.DebugContext(ctx, "lock release failed, key held until ttl",
			"key", key, "ttl", r.ttl, "error", err)
	case deleted == 0:
		r.logger.DebugContext(ctx, "lock expired before release", "key", key)
	}
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("tokenquota/lock: acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
