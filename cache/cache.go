// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the content-addressed response cache: a shared
// remote store (Redis) fronted by a bounded in-process fallback used only
// when the remote store is unreachable. Backend errors never fail the
// caller; a failed read degrades to a miss and a failed write is dropped
// and logged.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"voxline/core/shared/logger"
)

// ErrNotFound is returned by a Store when a key is absent.
var ErrNotFound = errors.New("cache: key not found")

// Store is the backing-store interface for completed provider outputs.
type Store interface {
	// Get returns the value for key, or ErrNotFound when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL stores value under key with the given TTL.
	SetWithTTL(ctx context.Context, key string, ttl time.Duration, value []byte) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error
}

// Key derives a deterministic cache key from the capability kind, the
// normalized payload, and the request parameters. The hash is stable,
// fixed-width, and collision-resistant (sha256).
func Key(kind string, payload string, params ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(payload))
	for _, p := range params {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return "cache:v1:" + kind + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Options configures a Cache.
type Options struct {
	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration

	// MemoryEntries caps the in-process fallback store (LRU eviction).
	MemoryEntries int

	// MaxValueBytes caps the size of values the fallback store keeps.
	MaxValueBytes int

	// Logger receives degraded-mode warnings. Required.
	Logger *logger.Logger
}

// Cache is the response cache. A nil remote Store is allowed: the cache
// then runs on the in-process fallback alone (degraded but functional).
type Cache struct {
	remote   Store
	fallback *memoryStore
	ttl      time.Duration
	log      *logger.Logger
	group    singleflight.Group

	mu     sync.Mutex
	hits   int64
	misses int64
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// New creates a Cache over the given remote store.
func New(remote Store, opts Options) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if opts.MemoryEntries <= 0 {
		opts.MemoryEntries = 256
	}
	if opts.MaxValueBytes <= 0 {
		opts.MaxValueBytes = 1 << 20
	}
	return &Cache{
		remote:   remote,
		fallback: newMemoryStore(opts.MemoryEntries, opts.MaxValueBytes),
		ttl:      opts.DefaultTTL,
		log:      opts.Logger,
	}
}

// Get returns the cached value for key. Remote errors degrade to a miss
// served from the fallback store.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.remote != nil {
		val, err := c.remote.Get(ctx, key)
		switch {
		case err == nil:
			c.recordHit()
			return val, true
		case errors.Is(err, ErrNotFound):
			// Remote is authoritative when reachable.
			c.recordMiss()
			return nil, false
		default:
			c.log.Warn("", "", "cache read failed, degrading to fallback store",
				map[string]interface{}{"error": err.Error()})
		}
	}

	if val, ok := c.fallback.get(key); ok {
		c.recordHit()
		return val, true
	}
	c.recordMiss()
	return nil, false
}

// Set stores value under key. Remote write failures are logged and
// dropped; the fallback store is always updated so a remote outage still
// leaves recent entries servable.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if c.remote != nil {
		if err := c.remote.SetWithTTL(ctx, key, ttl, value); err != nil {
			c.log.Warn("", "", "cache write dropped",
				map[string]interface{}{"error": err.Error()})
		}
	}
	c.fallback.set(key, value, ttl)
}

// Delete removes key from both stores.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.remote != nil {
		if err := c.remote.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			c.log.Warn("", "", "cache delete failed",
				map[string]interface{}{"error": err.Error()})
		}
	}
	c.fallback.delete(key)
}

// GetOrCompute returns the cached value for key or computes and caches it.
// Concurrent callers for the same key are deduplicated: only one compute
// runs at a time per key and the others share its result.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if val, ok := c.Get(ctx, key); ok {
		return val, true, nil
	}

	val, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Re-check: a concurrent flight may have populated the key
		// between our miss and acquiring the flight.
		if val, ok := c.Get(ctx, key); ok {
			return val, nil
		}
		computed, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, computed, ttl)
		return computed, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]byte), shared, nil
}

// Snapshot returns hit/miss counters.
func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses}
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}
