// Package cache provides memoizing caches with independent success-expiry and
// failure-retry timers.
//
// Cache memoizes a per-key computation. MapCache memoizes a fetch of a whole
// collection and tracks a single fetch timestamp for it.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Default timers used when no option overrides them.
const (
	DefaultTTL       = time.Hour
	DefaultRetryTime = time.Minute
)

// ComputeFunc produces the value for key. Errors it returns are cached until
// the retry time elapses.
type ComputeFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Opts holds cache configuration.
type Opts struct {
	TTL        time.Duration
	RetryTime  time.Duration
	MaxEntries int
	Clock      func() time.Time
}

// Option configures a Cache or MapCache.
type Option func(*Opts)

// WithTTL sets how long a successful result is served before recomputation.
func WithTTL(d time.Duration) Option {
	return func(o *Opts) { o.TTL = d }
}

// WithRetryTime sets how long a failed result is replayed before the next
// caller retries.
func WithRetryTime(d time.Duration) Option {
	return func(o *Opts) { o.RetryTime = d }
}

// WithMaxEntries bounds the number of keys held; least recently used keys are
// evicted first. Zero or negative means unbounded.
func WithMaxEntries(n int) Option {
	return func(o *Opts) { o.MaxEntries = n }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{TTL: DefaultTTL, RetryTime: DefaultRetryTime, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

// result is either a success (err == nil) valid until expiresAt, or a failure
// that is replayed until expiresAt.
type result[V any] struct {
	value     V
	err       error
	expiresAt time.Time
}

func (r *result[V]) valid(now time.Time) bool {
	return r != nil && now.Before(r.expiresAt)
}

type entry[V any] struct {
	mu       sync.Mutex
	result   atomic.Pointer[result[V]]
	lastGood atomic.Pointer[result[V]]
}

// heldKey marks, in a context, that the calling chain is already computing
// key for a given cache.
type heldKey[K comparable] struct {
	owner any
	key   K
}

// Cache memoizes ComputeFunc per key. Concurrent callers for the same key wait
// for a single computation; distinct keys proceed independently.
type Cache[K comparable, V any] struct {
	compute ComputeFunc[K, V]
	cfg     Opts

	mu        sync.Mutex
	bounded   *lru.Cache[K, *entry[V]]
	unbounded map[K]*entry[V]
}

// New creates a Cache around compute.
func New[K comparable, V any](compute ComputeFunc[K, V], opts ...Option) *Cache[K, V] {
	cfg := buildOpts(opts)
	c := &Cache[K, V]{compute: compute, cfg: cfg}
	if cfg.MaxEntries > 0 {
		// lru.New only fails for a non-positive size.
		c.bounded, _ = lru.New[K, *entry[V]](cfg.MaxEntries)
	} else {
		c.unbounded = make(map[K]*entry[V])
	}
	return c
}

func (c *Cache[K, V]) entry(key K) *entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bounded != nil {
		if e, ok := c.bounded.Get(key); ok {
			return e
		}
		e := &entry[V]{}
		c.bounded.Add(key, e)
		return e
	}
	e, ok := c.unbounded[key]
	if !ok {
		e = &entry[V]{}
		c.unbounded[key] = e
	}
	return e
}

// Get returns the value for key, computing it when no valid result is held.
// A cached failure is returned as-is until the retry time elapses.
//
// A ComputeFunc may call Get for the key it is computing with the context it
// was given; that nested call computes directly instead of waiting on itself.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	e := c.entry(key)
	if r := e.result.Load(); r.valid(c.cfg.Clock()) {
		return r.value, r.err
	}

	hk := heldKey[K]{owner: c, key: key}
	if ctx.Value(hk) != nil {
		return c.compute(ctx, key)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another caller may have finished while we waited.
	if r := e.result.Load(); r.valid(c.cfg.Clock()) {
		return r.value, r.err
	}

	value, err := c.compute(context.WithValue(ctx, hk, struct{}{}), key)
	now := c.cfg.Clock()
	if err != nil {
		slog.Debug("Cache.Get: computation failed, caching error", "key", key, "retryTime", c.cfg.RetryTime, "error", err)
		e.result.Store(&result[V]{err: err, expiresAt: now.Add(c.cfg.RetryTime)})
		return value, err
	}
	r := &result[V]{value: value, expiresAt: now.Add(c.cfg.TTL)}
	e.result.Store(r)
	e.lastGood.Store(r)
	return value, nil
}

// GetOrStale behaves like Get but, when the result is a failure, returns the
// last successful value for key if one was ever computed.
func (c *Cache[K, V]) GetOrStale(ctx context.Context, key K) (V, error) {
	value, err := c.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if good := c.entry(key).lastGood.Load(); good != nil {
		slog.Warn("Cache.GetOrStale: serving stale value", "key", key, "error", err)
		return good.value, nil
	}
	return value, err
}

// Peek returns the held result for key without computing. ok is false when
// nothing valid is held.
func (c *Cache[K, V]) Peek(key K) (value V, ok bool, err error) {
	var e *entry[V]
	c.mu.Lock()
	if c.bounded != nil {
		e, ok = c.bounded.Peek(key)
	} else {
		e, ok = c.unbounded[key]
	}
	c.mu.Unlock()
	if !ok {
		return value, false, nil
	}
	r := e.result.Load()
	if !r.valid(c.cfg.Clock()) {
		return value, false, nil
	}
	return r.value, true, r.err
}

// Remove forgets key entirely, including its last good value.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bounded != nil {
		c.bounded.Remove(key)
		return
	}
	delete(c.unbounded, key)
}

// Len reports the number of keys held.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bounded != nil {
		return c.bounded.Len()
	}
	return len(c.unbounded)
}
