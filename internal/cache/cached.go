package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"querybridge/internal/core"
)

const (
	defaultLockTTL  = 30 * time.Second
	defaultLockWait = 2 * time.Second
	lockPoll        = 25 * time.Millisecond
)

// Loader fills cache entries on miss. Concurrent misses for one key inside a
// process share a single compute; across processes the per-key lock does.
type Loader struct {
	m        Manager
	log      *zap.Logger
	group    singleflight.Group
	LockTTL  time.Duration
	LockWait time.Duration
}

// NewLoader accepts a nil Manager, in which case every call computes.
func NewLoader(m Manager, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{m: m, log: log.Named("cache"), LockTTL: defaultLockTTL, LockWait: defaultLockWait}
}

func (l *Loader) Manager() Manager { return l.m }

// ExecuteCached returns the cached value under key or computes, stores and
// returns it. Values pass through JSON both ways, so a hit and the call that
// filled it yield equal results. Backend errors are retried up to retries
// attempts and then returned; compute errors are returned as is and nothing
// is stored.
func ExecuteCached[T any](ctx context.Context, l *Loader, key string, ttl time.Duration, retries int, compute func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if l == nil || l.m == nil {
		v, err := compute(ctx)
		return v, false, err
	}
	if retries < 1 {
		retries = 1
	}

	data, ok, err := l.get(ctx, key, retries)
	if err != nil {
		return zero, false, err
	}
	if ok {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			return v, true, nil
		}
		l.log.Warn("dropping undecodable cache entry", zap.String("key", key))
	}

	res, err, _ := l.group.Do(key, func() (interface{}, error) {
		return l.fill(ctx, key, ttl, retries, func(ctx context.Context) ([]byte, error) {
			v, err := compute(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(v)
		})
	})
	if err != nil {
		return zero, false, err
	}
	f := res.(filled)
	var v T
	if err := json.Unmarshal(f.data, &v); err != nil {
		return zero, false, core.Wrap(core.KindInternal, "cache decode", err)
	}
	return v, f.hit, nil
}

type filled struct {
	data []byte
	hit  bool
}

func (l *Loader) fill(ctx context.Context, key string, ttl time.Duration, retries int, compute func(context.Context) ([]byte, error)) (filled, error) {
	lock, err := retry(ctx, l, "lock", key, retries, func() (*Lock, error) {
		return l.m.Lock(ctx, key, l.LockTTL)
	})
	if err != nil {
		return filled{}, err
	}
	if lock == nil {
		// another process is filling; give it a moment before computing anyway
		if data, ok := l.await(ctx, key); ok {
			return filled{data: data, hit: true}, nil
		}
	} else {
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				l.log.Warn("failed to release cache lock", zap.String("key", key), zap.Error(err))
			}
		}()
		// the previous holder may have filled the key between our miss and the lock
		if data, ok, err := l.m.Get(ctx, key); err == nil && ok {
			return filled{data: data, hit: true}, nil
		}
	}

	data, err := compute(ctx)
	if err != nil {
		return filled{}, err
	}
	if _, err := retry(ctx, l, "set", key, retries, func() (struct{}, error) {
		return struct{}{}, l.m.Set(ctx, key, data, ttl)
	}); err != nil {
		return filled{}, err
	}
	return filled{data: data}, nil
}

func (l *Loader) await(ctx context.Context, key string) ([]byte, bool) {
	deadline := time.NewTimer(l.LockWait)
	defer deadline.Stop()
	tick := time.NewTicker(lockPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-tick.C:
			if data, ok, err := l.m.Get(ctx, key); err == nil && ok {
				return data, true
			}
		}
	}
}

func (l *Loader) get(ctx context.Context, key string, retries int) ([]byte, bool, error) {
	type got struct {
		data []byte
		ok   bool
	}
	g, err := retry(ctx, l, "get", key, retries, func() (got, error) {
		data, ok, err := l.m.Get(ctx, key)
		return got{data, ok}, err
	})
	return g.data, g.ok, err
}

func retry[R any](ctx context.Context, l *Loader, op, key string, attempts int, fn func() (R, error)) (R, error) {
	var (
		out R
		err error
	)
	for i := 1; i <= attempts; i++ {
		out, err = fn()
		if err == nil {
			return out, nil
		}
		l.log.Warn("cache backend error", zap.String("op", op), zap.String("key", key), zap.Int("attempt", i), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return out, core.Wrap(core.KindTransientStore, "cache "+op, err)
}

// Invalidate removes every cached result of one query.
func (l *Loader) Invalidate(ctx context.Context, queryID int64) (int, error) {
	if l == nil || l.m == nil {
		return 0, nil
	}
	n, err := l.m.InvalidateByPrefix(ctx, core.QueryCachePrefix(queryID))
	if err != nil {
		return 0, core.Wrap(core.KindTransientStore, "cache invalidate", err)
	}
	return n, nil
}
