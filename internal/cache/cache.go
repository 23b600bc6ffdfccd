// Package cache memoizes immutable repository data under a byte budget.
//
// Values stored in a Cache must never be mutated after they are returned:
// every caller shares the same instance.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/thiagokokada/gitbrowse/internal/errs"
)

// Sizer reports the approximate memory footprint of a value in bytes.
type Sizer[V any] func(V) int64

type Options[K comparable, V any] struct {
	// Name is used in log messages only.
	Name string
	// MaxBytes bounds the summed Sizer result of all retained values.
	MaxBytes int64
	Sizer    Sizer[V]
	// KeyString maps a key to the singleflight key. Defaults to fmt.Sprint.
	KeyString func(K) string
}

type Stats struct {
	Entries   int
	Bytes     int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Rejected  uint64
}

type entry[V any] struct {
	val  V
	size int64
}

type Cache[K comparable, V any] struct {
	name      string
	maxBytes  int64
	sizer     Sizer[V]
	keyString func(K) string

	group singleflight.Group

	mu    sync.Mutex
	lru   *simplelru.LRU[K, entry[V]]
	used  int64
	stats Stats
}

func New[K comparable, V any](opts Options[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		name:      opts.Name,
		maxBytes:  opts.MaxBytes,
		sizer:     opts.Sizer,
		keyString: opts.KeyString,
	}
	if c.maxBytes <= 0 {
		c.maxBytes = math.MaxInt64
	}
	if c.sizer == nil {
		c.sizer = func(V) int64 { return 1 }
	}
	if c.keyString == nil {
		c.keyString = func(k K) string { return fmt.Sprint(k) }
	}
	// Count is unbounded; eviction is driven by the byte budget in Add.
	lru, err := simplelru.NewLRU[K, entry[V]](math.MaxInt32, c.onEvict)
	if err != nil {
		panic(err)
	}
	c.lru = lru
	return c
}

// onEvict runs with c.mu held.
func (c *Cache[K, V]) onEvict(_ K, e entry[V]) {
	c.used -= e.size
	c.stats.Evictions++
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	return e.val, ok
}

// Add inserts val unless key is already present, and returns the value that
// is now associated with key. The first inserted value always wins.
func (c *Cache[K, V]) Add(key K, val V) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.lru.Peek(key); ok {
		return existing.val
	}
	size := c.sizer(val)
	if size > c.maxBytes {
		c.stats.Rejected++
		return val
	}
	c.lru.Add(key, entry[V]{val: val, size: size})
	c.used += size
	for c.used > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	return val
}

// GetOrLoad returns the cached value for key, calling loader at most once per
// key across concurrent callers. Loader errors are never cached.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, loader func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	sk := c.keyString(key)
	for {
		ch := c.group.DoChan(sk, func() (any, error) {
			if v, ok := c.peek(key); ok {
				return v, nil
			}
			v, err := loader(ctx)
			if err != nil {
				return v, err
			}
			return c.Add(key, v), nil
		})
		select {
		case <-ctx.Done():
			var zero V
			return zero, errs.FromContext(ctx, "cache load")
		case res := <-ch:
			if res.Err != nil {
				// The shared load belonged to a caller that gave up; try again
				// with our own context.
				if errs.IsCancelled(res.Err) && ctx.Err() == nil {
					slog.Debug("cache load retried after cancellation",
						slog.String("cache", c.name),
						slog.String("key", sk),
					)
					continue
				}
				var zero V
				return zero, res.Err
			}
			return res.Val.(V), nil
		}
	}
}

func (c *Cache[K, V]) peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	return e.val, ok
}

func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lru.Contains(key) {
		return false
	}
	c.lru.Remove(key)
	// Remove fires onEvict; explicit removals are not evictions.
	c.stats.Evictions--
	return true
}

func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	evictions := c.stats.Evictions
	c.lru.Purge()
	c.stats.Evictions = evictions
	c.used = 0
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	s.Bytes = c.used
	return s
}
