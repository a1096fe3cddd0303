package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"querybridge/internal/core"
)

type flakyManager struct {
	*MemoryCache
	getFailures atomic.Int32
	setFailures atomic.Int32
	gets        atomic.Int32
}

func (f *flakyManager) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.gets.Add(1)
	if f.getFailures.Add(-1) >= 0 {
		return nil, false, errors.New("connection reset by peer")
	}
	return f.MemoryCache.Get(ctx, key)
}

func (f *flakyManager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.setFailures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return f.MemoryCache.Set(ctx, key, value, ttl)
}

type row = map[string]interface{}

func TestExecuteCached_HitMatchesFill(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(NewMemoryCache(), zap.NewNop())
	calls := 0
	compute := func(context.Context) ([]row, error) {
		calls++
		return []row{{"id": int64(1), "status": "active"}}, nil
	}

	first, hit, err := ExecuteCached(ctx, l, "query:1:-", time.Minute, 1, compute)
	require.NoError(t, err)
	assert.False(t, hit)

	second, hit, err := ExecuteCached(ctx, l, "query:1:-", time.Minute, 1, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestExecuteCached_NoManager(t *testing.T) {
	l := NewLoader(nil, nil)
	calls := 0
	for i := 0; i < 3; i++ {
		v, hit, err := ExecuteCached(context.Background(), l, "k", time.Minute, 1, func(context.Context) (int, error) {
			calls++
			return 7, nil
		})
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, 7, v)
	}
	assert.Equal(t, 3, calls)
}

func TestExecuteCached_ComputeErrorNotStored(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCache()
	l := NewLoader(m, zap.NewNop())
	boom := errors.New("boom")

	_, _, err := ExecuteCached(ctx, l, "k", time.Minute, 1, func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	exists, _ := m.Exists(ctx, "k")
	assert.False(t, exists)
}

func TestExecuteCached_RetriesBackend(t *testing.T) {
	ctx := context.Background()
	f := &flakyManager{MemoryCache: NewMemoryCache()}
	f.getFailures.Store(2)
	l := NewLoader(f, zap.NewNop())

	v, _, err := ExecuteCached(ctx, l, "k", time.Minute, 3, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	f.getFailures.Store(5)
	_, _, err = ExecuteCached(ctx, l, "k2", time.Minute, 3, func(context.Context) (string, error) { return "ok", nil })
	assert.ErrorIs(t, err, core.ErrTransientStore)

	f.getFailures.Store(0)
	f.setFailures.Store(5)
	_, _, err = ExecuteCached(ctx, l, "k3", time.Minute, 2, func(context.Context) (string, error) { return "ok", nil })
	assert.ErrorIs(t, err, core.ErrTransientStore)
}

func TestExecuteCached_ConcurrentMissComputesOnce(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(NewMemoryCache(), zap.NewNop())
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := ExecuteCached(ctx, l, "hot", time.Minute, 1, func(context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestExecuteCached_WaitsForForeignLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCache()
	l := NewLoader(m, zap.NewNop())
	l.LockWait = time.Second

	// another process holds the lock and fills shortly after
	held, err := m.Lock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)
	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = m.Set(ctx, "k", []byte(`"theirs"`), time.Minute)
		_ = held.Release(ctx)
	}()

	v, hit, err := ExecuteCached(ctx, l, "k", time.Minute, 1, func(context.Context) (string, error) { return "mine", nil })
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "theirs", v)
}

func TestLoader_Invalidate(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCache()
	l := NewLoader(m, zap.NewNop())
	k1, _ := core.QueryCacheKey(1, nil)
	k2, _ := core.QueryCacheKey(1, map[string]interface{}{"status": "active"})
	k3, _ := core.QueryCacheKey(2, nil)
	for _, k := range []string{k1, k2, k3} {
		require.NoError(t, m.Set(ctx, k, []byte("1"), 0))
	}

	n, err := l.Invalidate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	exists, _ := m.Exists(ctx, k3)
	assert.True(t, exists)
}
