// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"voxline/core/cache"
	"voxline/core/shared/logger"
)

const (
	// DefaultBreakerThreshold is the consecutive-failure count that opens
	// a provider's circuit.
	DefaultBreakerThreshold = 5

	// DefaultBreakerReset is how long an open circuit waits before
	// admitting a trial call.
	DefaultBreakerReset = 30 * time.Second

	// DefaultCallTimeout bounds a single provider call.
	DefaultCallTimeout = 35 * time.Second

	// maxOutputRunes caps the winning result before caching.
	maxOutputRunes = 4096
)

// Dispatcher races breaker-wrapped primary providers, falls back to a
// designated secondary, and consults the response cache before any
// provider work. It exclusively owns the breakers it creates; provider
// lifetimes are injected and not owned.
type Dispatcher struct {
	primaries []TextProvider
	fallback  TextProvider
	breakers  map[string]*Breaker
	cache     *cache.Cache
	metrics   MetricsSink
	log       *logger.Logger

	timeouts       map[string]time.Duration
	defaultTimeout time.Duration
	cacheTTL       time.Duration

	statsMu sync.Mutex
	stats   DispatchStats
}

// DispatchStats tracks dispatcher effectiveness. AvgLatency is an
// exponential moving average (avg = avg*0.8 + sample*0.2).
type DispatchStats struct {
	TotalRequests int64         `json:"total_requests"`
	CacheHits     int64         `json:"cache_hits"`
	FallbackUsed  int64         `json:"fallback_used"`
	AvgLatency    time.Duration `json:"avg_latency"`
}

// DispatcherConfig configures a Dispatcher. Primaries and Fallback are
// injected; the dispatcher never constructs providers itself.
type DispatcherConfig struct {
	// Primaries are raced on every cache miss.
	Primaries []TextProvider

	// Fallback is tried once after every primary has failed.
	Fallback TextProvider

	// Cache is the response cache. Nil disables caching.
	Cache *cache.Cache

	// Metrics receives outcomes. Nil defaults to NopSink.
	Metrics MetricsSink

	// Logger defaults to a "dispatch" component logger.
	Logger *logger.Logger

	// BreakerThreshold and BreakerReset configure each provider breaker.
	BreakerThreshold int
	BreakerReset     time.Duration

	// DefaultTimeout bounds each provider call. Timeouts overrides it
	// per provider name, for providers reached over high-latency paths.
	DefaultTimeout time.Duration
	Timeouts       map[string]time.Duration

	// CacheTTL applies to entries the dispatcher writes.
	CacheTTL time.Duration
}

// NewDispatcher creates a Dispatcher with one breaker per provider.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if len(cfg.Primaries) == 0 {
		return nil, fmt.Errorf("dispatch: at least one primary provider is required")
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = DefaultBreakerReset
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultCallTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("dispatch")
	}

	d := &Dispatcher{
		primaries:      cfg.Primaries,
		fallback:       cfg.Fallback,
		breakers:       make(map[string]*Breaker),
		cache:          cfg.Cache,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
		timeouts:       cfg.Timeouts,
		defaultTimeout: cfg.DefaultTimeout,
		cacheTTL:       cfg.CacheTTL,
	}

	for _, p := range cfg.Primaries {
		if _, dup := d.breakers[p.Name()]; dup {
			return nil, fmt.Errorf("dispatch: duplicate provider name %q", p.Name())
		}
		d.breakers[p.Name()] = NewBreaker(p.Name(), cfg.BreakerThreshold, cfg.BreakerReset)
	}
	if cfg.Fallback != nil {
		if _, dup := d.breakers[cfg.Fallback.Name()]; dup {
			return nil, fmt.Errorf("dispatch: duplicate provider name %q", cfg.Fallback.Name())
		}
		d.breakers[cfg.Fallback.Name()] = NewBreaker(cfg.Fallback.Name(), cfg.BreakerThreshold, cfg.BreakerReset)
	}
	return d, nil
}

type raceResult struct {
	resp     *Response
	provider string
	err      error
}

// Dispatch resolves a request: cache first, then a race of breaker-wrapped
// primaries where the first success wins and losers are cancelled and
// awaited, then a single fallback attempt. Only a *TotalOutageError
// reaches the caller as an unrecoverable failure.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	d.bumpTotal()

	key := CacheKey(req)
	if d.cache != nil {
		if val, ok := d.cache.Get(ctx, key); ok {
			d.bumpCacheHits()
			d.log.Info(req.Tenant, "", "dispatch cache hit", map[string]interface{}{
				"kind": string(req.Kind),
			})
			return &Response{
				Content: string(val),
				Cached:  true,
				Latency: time.Since(start),
			}, nil
		}
	}

	resp, err := d.racePrimaries(ctx, req)
	if err == nil {
		d.finishSuccess(ctx, key, req, resp, start, false)
		return resp, nil
	}
	lastErr := err

	// A caller disconnect is not a provider outage: surface the
	// cancellation itself rather than paging on a total outage.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if d.fallback != nil {
		resp, fbErr := d.callProvider(ctx, d.fallback, req)
		if fbErr == nil {
			d.bumpFallback()
			d.log.Info(req.Tenant, "", "fallback provider succeeded", map[string]interface{}{
				"provider": d.fallback.Name(),
			})
			d.finishSuccess(ctx, key, req, resp, start, true)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isCancellation(fbErr) {
			d.recordFailure(req, d.fallback.Name(), fbErr)
		}
		lastErr = fbErr
	}

	d.log.ErrorWith(req.Tenant, "", "all providers exhausted", lastErr, map[string]interface{}{
		"kind": string(req.Kind),
	})
	return nil, &TotalOutageError{Kind: req.Kind, Err: lastErr}
}

// racePrimaries invokes every primary concurrently and returns the first
// success. Losing calls are cancelled and joined before returning, and
// their results are never cached or recorded.
func (d *Dispatcher) racePrimaries(ctx context.Context, req Request) (*Response, error) {
	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	results := make(chan raceResult, len(d.primaries))
	var wg sync.WaitGroup
	for _, p := range d.primaries {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := d.callProviderCtx(raceCtx, p, req)
			results <- raceResult{resp: resp, provider: p.Name(), err: err}
		}()
	}

	var winner *Response
	var lastErr error = fmt.Errorf("no primary providers eligible")
	for range d.primaries {
		res := <-results
		if res.err == nil {
			winner = res.resp
			winner.Provider = res.provider
			break
		}
		if isCancellation(res.err) {
			continue
		}
		d.recordFailure(req, res.provider, res.err)
		lastErr = res.err
	}

	// Cancel losing calls and await them so no in-flight work leaks
	// past this dispatch.
	cancelRace()
	wg.Wait()

	if winner == nil {
		return nil, lastErr
	}
	return winner, nil
}

// callProvider wraps a provider call in its breaker and per-provider
// timeout, rooted at the caller's context.
func (d *Dispatcher) callProvider(ctx context.Context, p TextProvider, req Request) (*Response, error) {
	return d.callProviderCtx(ctx, p, req)
}

func (d *Dispatcher) callProviderCtx(ctx context.Context, p TextProvider, req Request) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeoutFor(p.Name()))
	defer cancel()

	var resp *Response
	err := d.breakers[p.Name()].Call(callCtx, func(ctx context.Context) error {
		r, err := p.Generate(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) finishSuccess(ctx context.Context, key string, req Request, resp *Response, start time.Time, fallback bool) {
	resp.Content = sanitizeOutput(resp.Content)
	resp.Fallback = fallback
	resp.Latency = time.Since(start)

	if d.cache != nil && resp.Content != "" {
		d.cache.Set(ctx, key, []byte(resp.Content), d.cacheTTL)
	}

	d.observeLatency(resp.Latency)
	d.metrics.RecordSuccess(req.Tenant, resp.Provider, resp.Model, resp.Latency)
	d.metrics.RecordTokenUsage(req.Tenant, resp.Provider, resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if cost := d.costFor(resp.Provider, resp.Usage); cost > 0 {
		d.metrics.RecordCost(req.Tenant, resp.Provider, resp.Model, cost)
	}
}

func (d *Dispatcher) recordFailure(req Request, provider string, err error) {
	kind := "provider_error"
	var pe *ProviderError
	switch {
	case IsCircuitOpen(err):
		kind = "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrCodeTimeout
	case errors.As(err, &pe):
		kind = pe.Code
	}
	d.metrics.RecordError(req.Tenant, provider, req.Model, kind)
	d.log.Warn(req.Tenant, "", "provider call failed", map[string]interface{}{
		"provider": provider,
		"kind":     kind,
		"error":    err.Error(),
	})
}

func (d *Dispatcher) costFor(providerName string, u Usage) float64 {
	for _, p := range d.primaries {
		if p.Name() == providerName {
			return p.CalculateCost(u)
		}
	}
	if d.fallback != nil && d.fallback.Name() == providerName {
		return d.fallback.CalculateCost(u)
	}
	return 0
}

func (d *Dispatcher) timeoutFor(provider string) time.Duration {
	if t, ok := d.timeouts[provider]; ok && t > 0 {
		return t
	}
	return d.defaultTimeout
}

// Stats returns a snapshot of dispatcher statistics.
func (d *Dispatcher) Stats() DispatchStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// BreakerStates returns the current breaker state per provider, for the
// status endpoint.
func (d *Dispatcher) BreakerStates() map[string]string {
	states := make(map[string]string, len(d.breakers))
	for name, b := range d.breakers {
		states[name] = b.State()
	}
	return states
}

func (d *Dispatcher) bumpTotal() {
	d.statsMu.Lock()
	d.stats.TotalRequests++
	d.statsMu.Unlock()
}

func (d *Dispatcher) bumpCacheHits() {
	d.statsMu.Lock()
	d.stats.CacheHits++
	d.statsMu.Unlock()
}

func (d *Dispatcher) bumpFallback() {
	d.statsMu.Lock()
	d.stats.FallbackUsed++
	d.statsMu.Unlock()
}

func (d *Dispatcher) observeLatency(sample time.Duration) {
	d.statsMu.Lock()
	if d.stats.AvgLatency == 0 {
		d.stats.AvgLatency = sample
	} else {
		d.stats.AvgLatency = time.Duration(float64(d.stats.AvgLatency)*0.8 + float64(sample)*0.2)
	}
	d.statsMu.Unlock()
}

// CacheKey derives the content-addressed cache key for a request.
func CacheKey(req Request) string {
	return cache.Key(string(req.Kind), req.Prompt,
		req.SystemPrompt,
		req.Model,
		req.Voice,
		fmt.Sprintf("%d", req.MaxTokens),
		fmt.Sprintf("%g", req.Temperature),
	)
}

// sanitizeOutput trims and caps a winning result before it is cached and
// returned.
func sanitizeOutput(s string) string {
	s = strings.TrimSpace(s)
	if runes := []rune(s); len(runes) > maxOutputRunes {
		s = string(runes[:maxOutputRunes])
	}
	return s
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
