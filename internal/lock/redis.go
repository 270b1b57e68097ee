package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// 只删除自己持有的锁
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 的分布式作用域锁，多实例部署时使用
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker 创建分布式锁
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: "lock:scope:",
		ttl:    ttl,
		retry:  25 * time.Millisecond,
	}
}

// Lock 依次获取全部键；超时或取消时释放已持有的部分
func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	release := func() {
		// 使用独立上下文，调用方取消后也要释放
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := unlockScript.Run(relCtx, l.client, []string{held[i]}, token).Err(); err != nil && err != redis.Nil {
				log.Warn().Err(err).Str("key", held[i]).Msg("Failed to release scope lock")
			}
		}
	}

	for _, key := range keys {
		redisKey := l.prefix + key
		if err := l.acquire(ctx, redisKey, token); err != nil {
			release()
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		held = append(held, redisKey)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return err
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
