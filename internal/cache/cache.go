// Package cache implements the time-boxed, single-flight memoization layer that sits in
// front of every repository read.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vaishcodescape/OpenX-MCP/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxEntries bounds the number of live entries when no option overrides it.
const DefaultMaxEntries = 500

// Producer computes the value for a missing or expired key.
type Producer func(ctx context.Context) (any, error)

type entry struct {
	value     any
	expiresAt time.Time
}

// flight tracks one in-progress producer call so invalidation can veto its store.
type flight struct {
	stale bool
}

// Cache is safe for concurrent use. Cached values are shared between callers and must be
// treated as read-only.
type Cache struct {
	mu       sync.Mutex
	entries  *lru.Cache[string, entry]
	inflight map[string]*flight
	group    singleflight.Group
	now      func() time.Time
}

type options struct {
	maxEntries int
	now        func() time.Time
}

type Option func(*options)

// WithMaxEntries bounds the cache size; the least recently used entry is evicted first.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithClock replaces time.Now, used by tests to simulate expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New(opts ...Option) (*Cache, error) {
	o := options{maxEntries: DefaultMaxEntries, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	entries, err := lru.New[string, entry](o.maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Cache{
		entries:  entries,
		inflight: make(map[string]*flight),
		now:      o.now,
	}, nil
}

// Get returns the unexpired value stored under key.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key)
}

func (c *Cache) lookupLocked(key string) (any, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.entries.Remove(key)
		return nil, false
	}
	return e.value, true
}

// GetOrCompute returns the cached value for key or runs producer exactly once for all
// concurrent callers of that key. A failed producer stores nothing and its error is
// returned to every waiter. The producer does not inherit ctx cancellation; callers
// that give up return ctx.Err() while the shared computation completes.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, producer Producer) (any, error) {
	if v, ok := c.Get(key); ok {
		telemetry.IncCacheLookup("hit")
		return v, nil
	}
	telemetry.IncCacheLookup("miss")

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.mu.Lock()
		if v, ok := c.lookupLocked(key); ok {
			c.mu.Unlock()
			return v, nil
		}
		f := &flight{}
		c.inflight[key] = f
		c.mu.Unlock()

		v, err := runProducer(detached, producer)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.inflight[key] == f {
			delete(c.inflight, key)
		}
		if err != nil || f.stale || ttl <= 0 {
			return v, err
		}
		c.entries.Add(key, entry{value: v, expiresAt: c.now().Add(ttl)})
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			telemetry.IncCacheLookup("shared")
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runProducer(ctx context.Context, producer Producer) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("cache producer panicked: %v", r)
		}
	}()
	return producer(ctx)
}

// Invalidate drops key immediately. A computation already running for key will not
// store its result.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(key)
}

// InvalidatePrefix drops every key starting with prefix and returns how many entries
// or in-flight computations were affected.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.invalidateLocked(key)
			n++
		}
	}
	for key := range c.inflight {
		if strings.HasPrefix(key, prefix) {
			c.invalidateLocked(key)
			n++
		}
	}
	return n
}

func (c *Cache) invalidateLocked(key string) {
	c.entries.Remove(key)
	if f, ok := c.inflight[key]; ok {
		f.stale = true
		delete(c.inflight, key)
	}
	c.group.Forget(key)
}

// Len reports the number of stored entries, expired ones included until evicted.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Sweep removes every expired entry and returns the number removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, key := range c.entries.Keys() {
		if e, ok := c.entries.Peek(key); ok && !now.Before(e.expiresAt) {
			c.entries.Remove(key)
			n++
		}
	}
	return n
}

// Run sweeps expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

// Key derives a deterministic cache key from an operation, the resource scope it reads
// (normally owner/name) and its arguments. Map keys are serialized in sorted order.
func Key(op, scope string, args map[string]any) string {
	if len(args) == 0 {
		return Prefix(op, scope)
	}
	b, err := json.Marshal(args)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", args))
	}
	return Prefix(op, scope) + string(b)
}

// Prefix is the common prefix of every Key for op and scope.
func Prefix(op, scope string) string {
	return op + ":" + strings.ToLower(scope) + ":"
}
