package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const scanBatch = 200

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// RedisCache is a Manager shared by every process pointed at the same server.
// Values live under namespace:v: and locks under namespace:lock:, so neither
// ClearAll nor a prefix invalidation touches locks or foreign data.
type RedisCache struct {
	client    *redis.Client
	namespace string
	log       *zap.Logger
	stats     counters
}

func NewRedisCache(client *redis.Client, namespace string, log *zap.Logger) *RedisCache {
	if namespace == "" {
		namespace = "querybridge"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisCache{client: client, namespace: namespace, log: log.Named("cache.redis")}
}

// Close releases the client connections.
func (c *RedisCache) Close() error { return c.client.Close() }

func (c *RedisCache) key(k string) string     { return c.namespace + ":v:" + k }
func (c *RedisCache) lockKey(k string) string { return c.namespace + ":lock:" + k }

func (c *RedisCache) fail(op, key string, err error) error {
	c.stats.errors.Add(1)
	c.log.Error("redis operation failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
	return fmt.Errorf("redis %s %s: %w", op, key, err)
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.stats.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, c.fail("get", key, err)
	}
	c.stats.hits.Add(1)
	return data, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return c.fail("set", key, err)
	}
	c.stats.sets.Add(1)
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return c.fail("del", key, err)
	}
	c.stats.deletes.Add(1)
	return nil
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, c.fail("exists", key, err)
	}
	return n > 0, nil
}

func (c *RedisCache) ClearAll(ctx context.Context) error {
	_, err := c.deleteMatching(ctx, escapeGlob(c.key(""))+"*")
	return err
}

func (c *RedisCache) InvalidateByPrefix(ctx context.Context, prefix string) (int, error) {
	return c.deleteMatching(ctx, escapeGlob(c.key(prefix))+"*")
}

func (c *RedisCache) deleteMatching(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	total := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return total, c.fail("scan", pattern, err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return total, c.fail("del", pattern, err)
			}
			total += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	c.stats.deletes.Add(int64(total))
	c.log.Debug("invalidated keys", zap.String("pattern", pattern), zap.Int("count", total))
	return total, nil
}

func (c *RedisCache) Stats(ctx context.Context) (Stats, error) {
	var cursor uint64
	var keys int64
	pattern := escapeGlob(c.key("")) + "*"
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return Stats{}, c.fail("scan", pattern, err)
		}
		keys += int64(len(batch))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return c.stats.snapshot(BackendRedis, keys), nil
}

func (c *RedisCache) Lock(ctx context.Context, key string, timeout time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, c.lockKey(key), token, timeout).Result()
	if err != nil {
		return nil, c.fail("lock", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{Key: key, token: token, release: func(ctx context.Context, tok string) error {
		if err := releaseScript.Run(ctx, c.client, []string{c.lockKey(key)}, tok).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return c.fail("unlock", key, err)
		}
		return nil
	}}, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
