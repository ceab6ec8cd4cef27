package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchFunc loads a whole collection.
type FetchFunc[K comparable, V any] func(ctx context.Context) (map[K]V, error)

type mapState[K comparable, V any] struct {
	values    map[K]V
	fetchedAt time.Time
	stale     bool
}

// MapCache caches an entire map fetched at once. The map is refetched when it
// is older than the invalidate-after duration; a lookup of a missing key forces
// a refetch only once the map is older than the retry-after duration.
//
// Only one refresh runs at a time. Readers of the previously fetched map are
// never blocked by it.
type MapCache[K comparable, V any] struct {
	fetch           FetchFunc[K, V]
	invalidateAfter time.Duration
	retryAfter      time.Duration
	now             func() time.Time

	group singleflight.Group
	state atomic.Pointer[mapState[K, V]]
}

// NewMapCache creates a MapCache. WithTTL sets the invalidate-after duration
// and WithRetryTime the retry-after duration.
func NewMapCache[K comparable, V any](fetch FetchFunc[K, V], opts ...Option) *MapCache[K, V] {
	cfg := buildOpts(opts)
	return &MapCache[K, V]{
		fetch:           fetch,
		invalidateAfter: cfg.TTL,
		retryAfter:      cfg.RetryTime,
		now:             cfg.Clock,
	}
}

func (c *MapCache[K, V]) age(s *mapState[K, V]) time.Duration {
	return c.now().Sub(s.fetchedAt)
}

// Get returns the cached map, refetching it when it has expired. A fetch
// failure is returned to the caller; use Cached for the last known map.
func (c *MapCache[K, V]) Get(ctx context.Context) (map[K]V, error) {
	if s := c.state.Load(); s != nil && !s.stale && c.age(s) < c.invalidateAfter {
		return s.values, nil
	}
	return c.Refresh(ctx)
}

// GetKey looks up key in the cached map. ok is false when key is absent even
// after any refetch the retry-after rule allowed.
func (c *MapCache[K, V]) GetKey(ctx context.Context, key K) (value V, ok bool, err error) {
	m, err := c.Get(ctx)
	if err != nil {
		return value, false, err
	}
	if value, ok = m[key]; ok {
		return value, true, nil
	}
	if s := c.state.Load(); s != nil && c.age(s) >= c.retryAfter {
		slog.Debug("MapCache.GetKey: key missing from aged map, refetching", "key", key, "age", c.age(s))
		if m, err = c.Refresh(ctx); err != nil {
			return value, false, err
		}
		value, ok = m[key]
	}
	return value, ok, nil
}

// Refresh fetches the map now. Concurrent callers share one fetch, which
// keeps the values of ctx but is not cancelled with it.
func (c *MapCache[K, V]) Refresh(ctx context.Context) (map[K]V, error) {
	fetchCtx := context.WithoutCancel(ctx)
	v, err, shared := c.group.Do("refresh", func() (any, error) {
		values, err := c.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		if values == nil {
			values = map[K]V{}
		}
		c.state.Store(&mapState[K, V]{values: values, fetchedAt: c.now()})
		return values, nil
	})
	if err != nil {
		slog.Warn("MapCache.Refresh: fetch failed", "shared", shared, "error", err)
		return nil, err
	}
	return v.(map[K]V), nil
}

// Cached returns the last successfully fetched map without fetching.
func (c *MapCache[K, V]) Cached() (map[K]V, bool) {
	s := c.state.Load()
	if s == nil {
		return nil, false
	}
	return s.values, true
}

// CachedKey returns key from the last successfully fetched map.
func (c *MapCache[K, V]) CachedKey(key K) (value V, ok bool) {
	s := c.state.Load()
	if s == nil {
		return value, false
	}
	value, ok = s.values[key]
	return value, ok
}

// Invalidate makes the next Get refetch while keeping the current map
// available through Cached.
func (c *MapCache[K, V]) Invalidate() {
	for {
		s := c.state.Load()
		if s == nil {
			return
		}
		next := &mapState[K, V]{values: s.values, fetchedAt: s.fetchedAt, stale: true}
		if c.state.CompareAndSwap(s, next) {
			return
		}
	}
}

// FetchedAt reports when the current map was fetched.
func (c *MapCache[K, V]) FetchedAt() time.Time {
	if s := c.state.Load(); s != nil {
		return s.fetchedAt
	}
	return time.Time{}
}
