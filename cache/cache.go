/*
Package cache provides the short-lived aggregation cache behind admin views.

PURPOSE:
  Administrative screens read expensive joined listings (all transactions
  with user and client names, the user directory) many times per second.
  The cache serves those listings from memory for a few seconds and is
  invalidated synchronously by every successful mutation.

CONTRACT:
  Fetch(key, load) -> (value, fromCache, err)

  - Within the TTL a read returns the previous snapshot verbatim.
  - Invalidate(prefix...) drops matching entries before the mutation
    returns, so the next read is fresh. Invalidate() clears everything.
  - Entries are replaced wholesale, never mutated in place.

RACES:
  A load that started before an invalidation must not repopulate the cache
  with pre-mutation data. Every Invalidate bumps a generation counter and a
  load stores its result only when the generation it started under is still
  current. Concurrent misses for the same key and generation share one load
  through singleflight.

SEE ALSO:
  - ledger/service.go: View keys and invalidation points
*/
package cache

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is used when New is given a non-positive TTL.
const DefaultTTL = 5 * time.Second

type entry struct {
	value    any
	storedAt time.Time
}

type Cache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry
	gen     uint64
}

type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) TTL() time.Duration { return c.ttl }

// lookup returns the live entry for key and the current generation.
func (c *Cache) lookup(key string) (entry, bool, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if ok && c.now().Sub(e.storedAt) >= c.ttl {
		ok = false
	}
	return e, ok, c.gen
}

func (c *Cache) store(key string, gen uint64, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.entries[key] = entry{value: value, storedAt: c.now()}
}

// Invalidate drops every entry whose key starts with one of prefixes.
// With no arguments the whole cache is cleared.
func (c *Cache) Invalidate(prefixes ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if len(prefixes) == 0 {
		c.entries = make(map[string]entry)
		return
	}
	for key := range c.entries {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				delete(c.entries, key)
				break
			}
		}
	}
}

// Len counts entries, including expired ones not yet replaced.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Fetch returns the cached value for key or calls load and caches its result.
// A nil cache always loads. An entry of the wrong type is treated as a miss.
// The value is shared with every other reader of the entry and must be
// treated as read-only; use FetchSlice for slices handed out to callers.
func Fetch[T any](ctx context.Context, c *Cache, key string, load func(context.Context) (T, error)) (T, bool, error) {
	if c == nil {
		v, err := load(ctx)
		return v, false, err
	}

	e, ok, gen := c.lookup(key)
	if ok {
		if v, typed := e.value.(T); typed {
			return v, true, nil
		}
	}

	flightKey := fmt.Sprintf("%s@%d", key, gen)
	res, err, _ := c.group.Do(flightKey, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, gen, v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return res.(T), false, nil
}

// FetchSlice is Fetch for slice values. Every call returns its own copy of the
// slice, so replacing an element never reaches the cached snapshot.
func FetchSlice[E any](ctx context.Context, c *Cache, key string, load func(context.Context) ([]E, error)) ([]E, bool, error) {
	v, cached, err := Fetch(ctx, c, key, load)
	if err != nil {
		return nil, false, err
	}
	return slices.Clone(v), cached, nil
}
