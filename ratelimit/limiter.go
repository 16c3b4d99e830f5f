// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements distributed token-bucket admission control
// per (tenant, subject, resource) on a shared Redis instance. The bucket
// read-modify-write runs as a single Lua script, so concurrent callers
// across processes never race on the token count.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"voxline/core/shared/logger"
)

// tokenBucketScript refills and consumes atomically. KEYS[1] holds the
// token count, KEYS[2] the last-refill timestamp (fractional seconds).
// Returns 1 when a token was consumed, 0 when the bucket is empty.
var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local refill_key = KEYS[2]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('GET', tokens_key))
local last = tonumber(redis.call('GET', refill_key))
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local elapsed = now - last
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
  last = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('SET', tokens_key, tokens, 'EX', ttl)
redis.call('SET', refill_key, last, 'EX', ttl)
return allowed
`)

// Limit describes one token bucket: capacity tokens, refilled
// continuously at RefillRate tokens per second.
type Limit struct {
	Capacity   int     `yaml:"capacity" json:"capacity"`
	RefillRate float64 `yaml:"refill_rate" json:"refill_rate"`
}

func (l Limit) valid() bool {
	return l.Capacity > 0 && l.RefillRate > 0
}

// RateLimitError is returned when a bucket is empty. RetryAfter estimates
// when the next token becomes available; this layer never auto-retries.
type RateLimitError struct {
	Tenant     string
	Resource   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tenant %q on %q (retry after %v)", e.Tenant, e.Resource, e.RetryAfter)
}

// LimitLoader resolves the limit for a tenant/resource pair, allowing
// differentiated quotas per tenant and model.
type LimitLoader interface {
	Limits(ctx context.Context, tenant, resource string) (Limit, error)
}

// StaticLoader always returns the same limit.
type StaticLoader struct {
	Limit Limit
}

func (s StaticLoader) Limits(ctx context.Context, tenant, resource string) (Limit, error) {
	return s.Limit, nil
}

// Options configures a Limiter.
type Options struct {
	// KeyPrefix namespaces bucket keys. Defaults to "rl:v2:".
	KeyPrefix string

	// Default applies when the loader is nil or errors.
	Default Limit

	// Loader resolves per-tenant/per-resource limits.
	Loader LimitLoader

	// FailOpen admits requests when Redis is unreachable instead of
	// rejecting them.
	FailOpen bool

	// Logger receives degraded-mode warnings. Required.
	Logger *logger.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Limiter is the distributed token-bucket rate limiter.
type Limiter struct {
	client   *redis.Client
	prefix   string
	fallback Limit
	loader   LimitLoader
	failOpen bool
	log      *logger.Logger
	now      func() time.Time
}

// New creates a Limiter on the given Redis client.
func New(client *redis.Client, opts Options) *Limiter {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "rl:v2:"
	}
	if !opts.Default.valid() {
		opts.Default = Limit{Capacity: 10, RefillRate: 1.0}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		client:   client,
		prefix:   opts.KeyPrefix,
		fallback: opts.Default,
		loader:   opts.Loader,
		failOpen: opts.FailOpen,
		log:      opts.Logger,
		now:      opts.Now,
	}
}

// Check consumes one token for (tenant, subject, resource) or returns
// *RateLimitError. It never queues or blocks.
func (l *Limiter) Check(ctx context.Context, tenant, subject, resource string) error {
	limit := l.resolveLimit(ctx, tenant, resource)

	key := l.bucketKey(tenant, subject, resource)
	tokensKey := key + ":tokens"
	refillKey := key + ":refill"

	// Keep keys around for two full refill cycles.
	ttl := int((float64(limit.Capacity) / limit.RefillRate) * 2)
	if ttl < 1 {
		ttl = 1
	}

	nowSec := float64(l.now().UnixNano()) / float64(time.Second)

	allowed, err := tokenBucketScript.Run(ctx, l.client,
		[]string{tokensKey, refillKey},
		limit.Capacity, limit.RefillRate, fmt.Sprintf("%.6f", nowSec), ttl,
	).Int()
	if err != nil {
		if l.failOpen {
			l.log.Warn(tenant, "", "rate limit check failed, failing open",
				map[string]interface{}{"error": err.Error()})
			return nil
		}
		return fmt.Errorf("rate limit check failed: %w", err)
	}

	if allowed == 0 {
		return &RateLimitError{
			Tenant:     tenant,
			Resource:   resource,
			RetryAfter: time.Duration(float64(time.Second) / limit.RefillRate),
		}
	}
	return nil
}

func (l *Limiter) resolveLimit(ctx context.Context, tenant, resource string) Limit {
	if l.loader == nil {
		return l.fallback
	}
	limit, err := l.loader.Limits(ctx, tenant, resource)
	if err != nil || !limit.valid() {
		if err != nil {
			l.log.Warn(tenant, "", "limit loader failed, using default",
				map[string]interface{}{"error": err.Error()})
		}
		return l.fallback
	}
	return limit
}

// bucketKey builds a sanitized, hash-tagged key so all of a bucket's keys
// land on the same cluster slot.
func (l *Limiter) bucketKey(tenant, subject, resource string) string {
	base := sanitize(tenant) + ":" + sanitize(subject) + ":" + sanitize(resource)
	return l.prefix + "{" + base + "}"
}

func sanitize(s string) string {
	if len(s) > 128 {
		s = s[:128]
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '{', '}':
			return '_'
		}
		return r
	}, s)
}
