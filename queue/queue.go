// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the bounded worker queue for speech-synthesis
// jobs. A fixed pool of workers drains a FIFO channel; every job goes
// through the channel, so at most pool-size jobs execute at any instant.
// An idle worker picks a fresh job up immediately, which keeps the
// direct-execution latency without a separate bypass path.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voxline/core/cache"
	"voxline/core/dispatch"
	"voxline/core/shared/logger"
)

// Config configures a Queue.
type Config struct {
	// Workers is the pool size (default 3).
	Workers int

	// Capacity bounds the number of queued-but-unstarted jobs
	// (default 64).
	Capacity int

	// Primary is the provider each job is tried against first.
	Primary dispatch.SpeechProvider

	// Fallback is tried once after the primary's retries are exhausted.
	Fallback dispatch.SpeechProvider

	// Cache is checked before any provider work. Nil disables caching.
	Cache *cache.Cache

	// CacheTTL applies to entries the queue writes.
	CacheTTL time.Duration

	// Retry is the backoff policy for transient primary failures.
	Retry dispatch.RetryConfig

	// Metrics receives outcomes. Nil defaults to NopSink.
	Metrics dispatch.MetricsSink

	// Logger defaults to a "synthesis-queue" component logger.
	Logger *logger.Logger
}

// Stats tracks queue effectiveness.
type Stats struct {
	Submitted    int64 `json:"submitted"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	CacheHits    int64 `json:"cache_hits"`
	FallbackUsed int64 `json:"fallback_used"`
}

// Queue is the bounded-concurrency synthesis job queue. It exclusively
// owns its job channel and worker lifecycle; completion handles are
// shared with submitters until fulfilled.
type Queue struct {
	cfg  Config
	jobs chan *queuedJob
	quit chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Logger

	mu     sync.Mutex
	closed bool
	stats  Stats
}

// New creates a Queue and starts its worker pool.
func New(cfg Config) (*Queue, error) {
	if cfg.Primary == nil {
		return nil, fmt.Errorf("queue: primary provider is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 64
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = dispatch.DefaultRetryConfig()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = dispatch.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("synthesis-queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:    cfg,
		jobs:   make(chan *queuedJob, cfg.Capacity),
		quit:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		log:    cfg.Logger,
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q, nil
}

// Submit enqueues a job and returns its completion handle. Submit blocks
// while the queue is at capacity and fails once the queue is shut down.
func (q *Queue) Submit(ctx context.Context, job Job) (*Handle, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, dispatch.ErrQueueClosed
	}
	q.mu.Unlock()

	qj := newQueuedJob(job)
	select {
	case q.jobs <- qj:
		q.bumpSubmitted()
		return qj.handle, nil
	case <-q.quit:
		return nil, dispatch.ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Depth returns the number of queued-but-unstarted jobs.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Stats returns a snapshot of queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Shutdown stops the pool: submissions are rejected, in-flight jobs are
// cancelled and awaited, and not-yet-started jobs are fulfilled with
// ErrQueueClosed. Handles fulfilled before shutdown are unaffected.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.quit)
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Workers are gone; everything left in the channel never started.
	for {
		select {
		case qj := <-q.jobs:
			qj.handle.fulfill(Result{Err: dispatch.ErrQueueClosed})
			q.bumpFailed()
		default:
			q.log.Info("", "", "synthesis queue stopped", nil)
			return nil
		}
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for {
		// Check quit first so a stopping worker never steals a job that
		// Shutdown is about to drain.
		select {
		case <-q.quit:
			return
		default:
		}

		select {
		case <-q.quit:
			return
		case qj := <-q.jobs:
			q.process(qj)
		}
	}
}

// process runs one job to a terminal state: cache, then the primary with
// retry/backoff, then one fallback attempt. The handle is fulfilled
// exactly once.
func (q *Queue) process(qj *queuedJob) {
	job := qj.job
	start := time.Now()

	key := cache.Key(string(dispatch.KindSynthesizeSpeech), job.Text, job.Voice)
	if q.cfg.Cache != nil {
		if audio, ok := q.cfg.Cache.Get(q.ctx, key); ok {
			q.bumpCacheHit()
			qj.handle.fulfill(Result{Audio: audio, Cached: true})
			return
		}
	}

	audio, err := dispatch.RetryWithBackoff(q.ctx, q.cfg.Retry, func(ctx context.Context) ([]byte, error) {
		return q.cfg.Primary.Synthesize(ctx, job.Text, job.Voice)
	})
	provider := q.cfg.Primary.Name()
	usedFallback := false

	if err != nil {
		q.recordError(job, provider, err)

		var retryErr *dispatch.RetryError
		exhausted := errors.As(err, &retryErr)
		if exhausted && q.cfg.Fallback != nil {
			q.log.Warn(job.Tenant, job.ID, "primary synthesis exhausted, trying fallback",
				map[string]interface{}{"provider": provider})
			audio, err = q.cfg.Fallback.Synthesize(q.ctx, job.Text, job.Voice)
			provider = q.cfg.Fallback.Name()
			usedFallback = err == nil
			if err != nil {
				q.recordError(job, provider, err)
			}
		}
	}

	if err != nil {
		q.bumpFailed()
		qj.handle.fulfill(Result{Err: err})
		return
	}

	if q.cfg.Cache != nil {
		q.cfg.Cache.Set(q.ctx, key, audio, q.cfg.CacheTTL)
	}

	latency := time.Since(start)
	q.cfg.Metrics.RecordSuccess(job.Tenant, provider, job.Voice, latency)
	usage := dispatch.Usage{Characters: len(job.Text)}
	if cost := q.costFor(provider, usage); cost > 0 {
		q.cfg.Metrics.RecordCost(job.Tenant, provider, job.Voice, cost)
	}

	q.bumpCompleted(usedFallback)
	qj.handle.fulfill(Result{
		Audio:    audio,
		Provider: provider,
		Fallback: usedFallback,
	})
}

func (q *Queue) costFor(provider string, u dispatch.Usage) float64 {
	if q.cfg.Primary.Name() == provider {
		return q.cfg.Primary.CalculateCost(u)
	}
	if q.cfg.Fallback != nil && q.cfg.Fallback.Name() == provider {
		return q.cfg.Fallback.CalculateCost(u)
	}
	return 0
}

func (q *Queue) recordError(job Job, provider string, err error) {
	kind := "provider_error"
	var pe *dispatch.ProviderError
	switch {
	case errors.Is(err, context.Canceled):
		kind = "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		kind = dispatch.ErrCodeTimeout
	case errors.As(err, &pe):
		kind = pe.Code
	}
	q.cfg.Metrics.RecordError(job.Tenant, provider, job.Voice, kind)
	q.log.Warn(job.Tenant, job.ID, "synthesis attempt failed", map[string]interface{}{
		"provider": provider,
		"kind":     kind,
		"error":    err.Error(),
	})
}

func (q *Queue) bumpCompleted(fallback bool) {
	q.mu.Lock()
	q.stats.Completed++
	if fallback {
		q.stats.FallbackUsed++
	}
	q.mu.Unlock()
}

func (q *Queue) bumpSubmitted() {
	q.mu.Lock()
	q.stats.Submitted++
	q.mu.Unlock()
}

func (q *Queue) bumpFailed() {
	q.mu.Lock()
	q.stats.Failed++
	q.mu.Unlock()
}

func (q *Queue) bumpCacheHit() {
	q.mu.Lock()
	q.stats.CacheHits++
	q.stats.Completed++
	q.mu.Unlock()
}
