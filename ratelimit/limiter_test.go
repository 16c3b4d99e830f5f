// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxline/core/shared/logger"
)

// fakeClock is an injectable clock so bucket refill can be tested without
// sleeping.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestLimiter(t *testing.T, opts Options) (*Limiter, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	opts.Now = clock.Now
	if opts.Logger == nil {
		opts.Logger = logger.New("test")
	}
	return New(client, opts), clock, mr
}

func TestLimiter_AllowsUpToCapacity(t *testing.T) {
	l, _, _ := newTestLimiter(t, Options{
		Default: Limit{Capacity: 3, RefillRate: 1.0},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check(ctx, "acme", "user-1", "gpt-4o"), "request %d within capacity", i)
	}

	err := l.Check(ctx, "acme", "user-1", "gpt-4o")
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "acme", rle.Tenant)
	assert.Equal(t, time.Second, rle.RetryAfter)
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l, clock, _ := newTestLimiter(t, Options{
		Default: Limit{Capacity: 2, RefillRate: 1.0},
	})
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "acme", "u", "m"))
	require.NoError(t, l.Check(ctx, "acme", "u", "m"))
	require.Error(t, l.Check(ctx, "acme", "u", "m"))

	// One token refills after 1/rate seconds.
	clock.Advance(1100 * time.Millisecond)
	require.NoError(t, l.Check(ctx, "acme", "u", "m"))
	require.Error(t, l.Check(ctx, "acme", "u", "m"))
}

func TestLimiter_RefillCapsAtCapacity(t *testing.T) {
	l, clock, _ := newTestLimiter(t, Options{
		Default: Limit{Capacity: 2, RefillRate: 1.0},
	})
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "acme", "u", "m"))

	// A long idle period must not accumulate more than capacity.
	clock.Advance(time.Hour)
	require.NoError(t, l.Check(ctx, "acme", "u", "m"))
	require.NoError(t, l.Check(ctx, "acme", "u", "m"))
	require.Error(t, l.Check(ctx, "acme", "u", "m"))
}

func TestLimiter_BucketsAreIsolated(t *testing.T) {
	l, _, _ := newTestLimiter(t, Options{
		Default: Limit{Capacity: 1, RefillRate: 0.1},
	})
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "acme", "u", "m"))
	require.Error(t, l.Check(ctx, "acme", "u", "m"))

	// Different tenant, subject, or resource each get their own bucket.
	require.NoError(t, l.Check(ctx, "globex", "u", "m"))
	require.NoError(t, l.Check(ctx, "acme", "u2", "m"))
	require.NoError(t, l.Check(ctx, "acme", "u", "m2"))
}

func TestLimiter_ConcurrentConsumersNeverOverAdmit(t *testing.T) {
	l, _, _ := newTestLimiter(t, Options{
		Default: Limit{Capacity: 5, RefillRate: 0.001},
	})
	ctx := context.Background()

	const attempts = 20
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			results <- l.Check(ctx, "acme", "u", "m")
		}()
	}

	allowed := 0
	for i := 0; i < attempts; i++ {
		if <-results == nil {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed, "the Lua script must admit exactly capacity tokens")
}

func TestLimiter_FailOpenOnRedisOutage(t *testing.T) {
	l, _, mr := newTestLimiter(t, Options{
		Default:  Limit{Capacity: 1, RefillRate: 1.0},
		FailOpen: true,
	})
	mr.Close()

	assert.NoError(t, l.Check(context.Background(), "acme", "u", "m"))
}

func TestLimiter_FailClosedOnRedisOutage(t *testing.T) {
	l, _, mr := newTestLimiter(t, Options{
		Default: Limit{Capacity: 1, RefillRate: 1.0},
	})
	mr.Close()

	err := l.Check(context.Background(), "acme", "u", "m")
	require.Error(t, err)
	var rle *RateLimitError
	assert.False(t, errors.As(err, &rle), "an infrastructure error is not a rate-limit rejection")
}

func TestLimiter_SanitizesKeyParts(t *testing.T) {
	l, _, mr := newTestLimiter(t, Options{
		Default: Limit{Capacity: 1, RefillRate: 1.0},
	})
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "te{na}nt:x", "sub:ject", "re:source"))

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, key := range keys {
		assert.Contains(t, key, "te_na_nt_x", "separator characters must be sanitized")
	}
}

func TestLimiter_UsesLoaderLimits(t *testing.T) {
	loader := &TableLoader{
		Default: Limit{Capacity: 1, RefillRate: 1.0},
		Tenants: map[string]TenantLimits{
			"premium": {
				Default:   Limit{Capacity: 2, RefillRate: 5.0},
				Resources: map[string]Limit{"gpt-4o": {Capacity: 3, RefillRate: 10.0}},
			},
		},
	}
	l, _, _ := newTestLimiter(t, Options{
		Default: Limit{Capacity: 1, RefillRate: 1.0},
		Loader:  loader,
	})
	ctx := context.Background()

	// Resource-specific limit: 3 tokens.
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check(ctx, "premium", "u", "gpt-4o"))
	}
	require.Error(t, l.Check(ctx, "premium", "u", "gpt-4o"))

	// Tenant default: 2 tokens.
	require.NoError(t, l.Check(ctx, "premium", "u", "other-model"))
	require.NoError(t, l.Check(ctx, "premium", "u", "other-model"))
	require.Error(t, l.Check(ctx, "premium", "u", "other-model"))

	// Global default: 1 token.
	require.NoError(t, l.Check(ctx, "basic", "u", "gpt-4o"))
	require.Error(t, l.Check(ctx, "basic", "u", "gpt-4o"))
}

func TestTableLoader_FallsThrough(t *testing.T) {
	loader := &TableLoader{
		Default: Limit{Capacity: 10, RefillRate: 1.0},
		Tenants: map[string]TenantLimits{
			"t1": {Resources: map[string]Limit{"m1": {Capacity: 5, RefillRate: 2.0}}},
		},
	}

	limit, err := loader.Limits(context.Background(), "t1", "m1")
	require.NoError(t, err)
	assert.Equal(t, 5, limit.Capacity)

	// No tenant default configured: global default applies.
	limit, err = loader.Limits(context.Background(), "t1", "unknown")
	require.NoError(t, err)
	assert.Equal(t, 10, limit.Capacity)

	limit, err = loader.Limits(context.Background(), "unknown", "m1")
	require.NoError(t, err)
	assert.Equal(t, 10, limit.Capacity)
}
