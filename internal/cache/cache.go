// Package cache holds the query result cache. The cache is advisory: callers
// must produce correct results with no cache configured at all.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Backend names accepted by New.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Manager is implemented by every cache backend.
type Manager interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	ClearAll(ctx context.Context) error
	InvalidateByPrefix(ctx context.Context, prefix string) (int, error)
	Stats(ctx context.Context) (Stats, error)
	// Lock never blocks. It returns a nil *Lock when another holder owns key.
	Lock(ctx context.Context, key string, timeout time.Duration) (*Lock, error)
}

// Sweeper is implemented by backends that need expired entries pruned.
type Sweeper interface {
	Sweep() int
}

// Lock is an advisory per-key lock handle.
type Lock struct {
	Key     string
	token   string
	release func(ctx context.Context, token string) error
}

// Release gives the lock up. Releasing an expired or stolen lock is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	return l.release(ctx, l.token)
}

type Stats struct {
	Backend string `json:"backend"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Sets    int64  `json:"sets"`
	Deletes int64  `json:"deletes"`
	Errors  int64  `json:"errors"`
	Keys    int64  `json:"keys"`
}

type counters struct {
	hits, misses, sets, deletes, errors atomic.Int64
}

func (c *counters) snapshot(backend string, keys int64) Stats {
	return Stats{
		Backend: backend,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
		Keys:    keys,
	}
}

type Options struct {
	Backend       string
	Namespace     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// New builds the backend named in opts. BackendNone yields a nil Manager.
func New(ctx context.Context, opts Options, log *zap.Logger) (Manager, error) {
	switch opts.Backend {
	case BackendNone, "":
		return nil, nil
	case BackendMemory:
		return NewMemoryCache(), nil
	case BackendRedis:
		client, err := DialRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		if err != nil {
			return nil, err
		}
		return NewRedisCache(client, opts.Namespace, log), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}
