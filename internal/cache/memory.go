package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// MemoryCache is a process-local Manager.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	locks   map[string]memoryLock
	now     func() time.Time
	stats   counters
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		locks:   make(map[string]memoryLock),
		now:     time.Now,
	}
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.expired(c.now()) {
		if ok {
			c.mu.Lock()
			if cur, still := c.entries[key]; still && cur.expired(c.now()) {
				delete(c.entries, key)
			}
			c.mu.Unlock()
		}
		c.stats.misses.Add(1)
		return nil, false, nil
	}
	c.stats.hits.Add(1)
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	c.stats.sets.Add(1)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.stats.deletes.Add(1)
	return nil
}

func (c *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return ok && !e.expired(c.now()), nil
}

func (c *MemoryCache) ClearAll(_ context.Context) error {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]memoryEntry)
	c.locks = make(map[string]memoryLock)
	c.mu.Unlock()
	c.stats.deletes.Add(int64(n))
	return nil
}

func (c *MemoryCache) InvalidateByPrefix(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			n++
		}
	}
	c.stats.deletes.Add(int64(n))
	return n, nil
}

func (c *MemoryCache) Stats(_ context.Context) (Stats, error) {
	c.mu.RLock()
	keys := int64(len(c.entries))
	c.mu.RUnlock()
	return c.stats.snapshot(BackendMemory, keys), nil
}

func (c *MemoryCache) Lock(_ context.Context, key string, timeout time.Duration) (*Lock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if held, ok := c.locks[key]; ok && now.Before(held.expiresAt) {
		return nil, nil
	}
	token := uuid.NewString()
	c.locks[key] = memoryLock{token: token, expiresAt: now.Add(timeout)}
	return &Lock{Key: key, token: token, release: func(_ context.Context, tok string) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if held, ok := c.locks[key]; ok && held.token == tok {
			delete(c.locks, key)
		}
		return nil
	}}, nil
}

// Sweep drops expired entries and locks, returning how many entries went.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			n++
		}
	}
	for key, l := range c.locks {
		if !now.Before(l.expiresAt) {
			delete(c.locks, key)
		}
	}
	return n
}
