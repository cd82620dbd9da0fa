// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

// Package memoize implements the per-worker output cache.
//
// A Cache guarantees at-most-once computation per distinct key within a
// worker's lifetime, until explicitly flushed. Concurrent callers of the
// same key share one in-flight computation through singleflight; callers
// of different keys proceed independently and reads of already-cached keys
// never block behind a computation.
//
// There is no TTL and no selective invalidation: Flush drops everything,
// nothing else drops anything. Failed computations are never stored, so
// the next call retries.
//
// Caches are composed explicitly: the dispatch layer wraps a handler with
// Handler (see http.go) rather than rewriting methods at load time, so
// caching is visible at the call site and never mutates shared state.
package memoize

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached output: opaque rendered bytes plus metadata.
type Entry struct {
	Value       []byte
	ContentType string
	CreatedAt   time.Time
}

// Cache is a per-worker in-memory output cache. Safe for concurrent use.
// Caches are never shared between workers.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	group   *singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64

	onHit  func()
	onMiss func()
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		group:   new(singleflight.Group),
	}
}

// GetOrCompute returns the cached entry for key, or invokes compute exactly
// once to produce it. Concurrent calls with the same key share a single
// compute invocation and its result. A compute error is returned unchanged
// and never cached.
func (c *Cache) GetOrCompute(key string, compute func() (Entry, error)) (Entry, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	group := c.group
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		if c.onHit != nil {
			c.onHit()
		}
		return entry, nil
	}
	c.misses.Add(1)
	if c.onMiss != nil {
		c.onMiss()
	}

	result, err, _ := group.Do(key, func() (any, error) {
		// A racing caller may have stored the entry between our read
		// and the Do call.
		c.mu.RLock()
		entry, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return entry, nil
		}

		entry, err := compute()
		if err != nil {
			return Entry{}, err
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now()
		}

		c.mu.Lock()
		// A flush issued while computing retires the group; its result
		// must not repopulate the fresh cache.
		if c.group == group {
			c.entries[key] = entry
		}
		c.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return result.(Entry), nil
}

// Observe registers callbacks fired on every hit and miss, for wiring the
// cache into per-worker metrics. Must be called before the cache serves
// traffic; the callbacks are read without synchronization afterwards.
func (c *Cache) Observe(onHit, onMiss func()) {
	c.onHit = onHit
	c.onMiss = onMiss
}

// Get returns the cached entry for key without computing anything.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

// Flush removes all entries. The next GetOrCompute for any key computes
// again; no stale hit survives a flush.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.group = new(singleflight.Group)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Hits returns the number of lookups answered from the cache.
func (c *Cache) Hits() int64 { return c.hits.Load() }

// Misses returns the number of lookups that required a computation.
func (c *Cache) Misses() int64 { return c.misses.Load() }

// Key builds a cache key from the owning handler's identity, the invoked
// method name, positional arguments in order, and keyword arguments as an
// unordered mapping.
//
// Canonicalization: the argument tuple is JSON-marshaled (map keys are
// emitted sorted, so keyword-argument order never matters) and hashed.
// Equality is by marshaled value, not reference identity, and is
// type-sensitive: integer 1 and string "1" produce different keys.
func Key(owner, method string, args []any, kwargs map[string]any) string {
	payload := struct {
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs,omitempty"`
	}{Args: args, Kwargs: kwargs}

	data, err := json.Marshal(payload)
	if err != nil {
		// Unmarshalable arguments fall back to a best-effort textual key.
		return fmt.Sprintf("%s.%s:%v:%v", owner, method, args, kwargs)
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s.%s:%x", owner, method, hash[:16])
}
