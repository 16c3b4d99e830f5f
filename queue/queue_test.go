// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxline/core/cache"
	"voxline/core/dispatch"
	"voxline/core/shared/logger"
)

// stubSynth is a scriptable SpeechProvider for queue tests.
type stubSynth struct {
	name  string
	delay time.Duration
	audio []byte
	calls atomic.Int64

	mu   sync.Mutex
	errs []error // consumed per call, nil entries mean success
	err  error   // used when errs is exhausted
}

func (s *stubSynth) Name() string { return s.name }

func (s *stubSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	} else {
		err = s.err
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	audio := s.audio
	if audio == nil {
		audio = []byte("mp3:" + text)
	}
	return audio, nil
}

func (s *stubSynth) Available(ctx context.Context) bool { return true }
func (s *stubSynth) CalculateCost(u dispatch.Usage) float64 {
	return float64(u.Characters) * 0.0003
}

func fastRetry() dispatch.RetryConfig {
	return dispatch.RetryConfig{
		MaxAttempts:  3,
		BaseInterval: time.Millisecond,
		MaxInterval:  5 * time.Millisecond,
	}
}

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = fastRetry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("test")
	}
	q, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func transientErr(provider string) error {
	return dispatch.NewProviderError(provider, dispatch.ErrCodeServerError, "500")
}

func TestNew_RequiresPrimary(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestQueue_CompletesJob(t *testing.T) {
	q := newTestQueue(t, Config{Primary: &stubSynth{name: "eleven"}})

	handle, err := q.Submit(context.Background(), Job{Tenant: "acme", Text: "hello", Voice: "rachel"})
	require.NoError(t, err)
	assert.NotEmpty(t, handle.JobID())

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3:hello"), result.Audio)
	assert.Equal(t, "eleven", result.Provider)
	assert.False(t, result.Cached)
	assert.False(t, result.Fallback)

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	gate := make(chan struct{})

	primary := &observingSynth{
		onCall: func() {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			<-gate
			inFlight.Add(-1)
		},
	}

	q := newTestQueue(t, Config{Workers: 3, Capacity: 32, Primary: primary})

	handles := make([]*Handle, 10)
	for i := range handles {
		h, err := q.Submit(context.Background(), Job{Tenant: "acme", Text: "t", Voice: "v"})
		require.NoError(t, err)
		handles[i] = h
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)

	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int64(3), "no more than pool-size jobs may run at once")
	assert.Equal(t, int64(3), peak.Load(), "idle workers should pick up queued jobs")
}

// observingSynth invokes a hook on every call; useful for concurrency
// assertions.
type observingSynth struct {
	onCall func()
}

func (o *observingSynth) Name() string { return "observer" }
func (o *observingSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	o.onCall()
	return []byte("audio"), nil
}
func (o *observingSynth) Available(ctx context.Context) bool     { return true }
func (o *observingSynth) CalculateCost(u dispatch.Usage) float64 { return 0 }

func TestQueue_RetryIsTransparent(t *testing.T) {
	primary := &stubSynth{
		name: "flaky",
		errs: []error{transientErr("flaky"), transientErr("flaky")},
	}
	q := newTestQueue(t, Config{Primary: primary})

	handle, err := q.Submit(context.Background(), Job{Tenant: "acme", Text: "retry me", Voice: "v"})
	require.NoError(t, err)

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3:retry me"), result.Audio)
	assert.False(t, result.Fallback, "a retried success is not a fallback")
	assert.Equal(t, int64(3), primary.calls.Load())
}

func TestQueue_FallbackAfterExhaustion(t *testing.T) {
	primary := &stubSynth{name: "down", err: transientErr("down")}
	fallback := &stubSynth{name: "backup", audio: []byte("backup audio")}
	q := newTestQueue(t, Config{Primary: primary, Fallback: fallback})

	handle, err := q.Submit(context.Background(), Job{Tenant: "acme", Text: "hi", Voice: "v"})
	require.NoError(t, err)

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Fallback)
	assert.Equal(t, "backup", result.Provider)
	assert.Equal(t, []byte("backup audio"), result.Audio)
	assert.Equal(t, int64(3), primary.calls.Load(), "primary retries must be exhausted first")
	assert.Equal(t, int64(1), q.Stats().FallbackUsed)
}

func TestQueue_PermanentErrorFailsImmediately(t *testing.T) {
	primary := &stubSynth{
		name: "strict",
		err:  dispatch.NewProviderError("strict", dispatch.ErrCodeInvalidRequest, "bad voice"),
	}
	fallback := &stubSynth{name: "backup"}
	q := newTestQueue(t, Config{Primary: primary, Fallback: fallback})

	handle, err := q.Submit(context.Background(), Job{Tenant: "acme", Text: "hi", Voice: "v"})
	require.NoError(t, err)

	_, err = handle.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(1), primary.calls.Load(), "permanent errors are not retried")
	assert.Equal(t, int64(0), fallback.calls.Load(), "permanent errors do not fall back")
}

func TestQueue_CacheHitSkipsProvider(t *testing.T) {
	primary := &stubSynth{name: "eleven"}
	c := cache.New(nil, cache.Options{Logger: logger.New("test")})
	q := newTestQueue(t, Config{Primary: primary, Cache: c, CacheTTL: time.Minute})

	submit := func() Result {
		h, err := q.Submit(context.Background(), Job{Tenant: "acme", Text: "same text", Voice: "rachel"})
		require.NoError(t, err)
		res, err := h.Wait(context.Background())
		require.NoError(t, err)
		return res
	}

	first := submit()
	assert.False(t, first.Cached)

	second := submit()
	assert.True(t, second.Cached)
	assert.Equal(t, first.Audio, second.Audio)
	assert.Equal(t, int64(1), primary.calls.Load())
	assert.Equal(t, int64(1), q.Stats().CacheHits)
}

func TestQueue_SubmitAfterShutdownFails(t *testing.T) {
	q := newTestQueue(t, Config{Primary: &stubSynth{name: "p"}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))

	_, err := q.Submit(context.Background(), Job{Tenant: "acme", Text: "late", Voice: "v"})
	assert.ErrorIs(t, err, dispatch.ErrQueueClosed)
}

func TestQueue_RejectedSubmissionIsNotCounted(t *testing.T) {
	gate := make(chan struct{})
	primary := &observingSynth{onCall: func() { <-gate }}

	q := newTestQueue(t, Config{Workers: 1, Capacity: 1, Primary: primary})

	// One job occupies the worker, one fills the channel.
	var handles []*Handle
	for i := 0; i < 2; i++ {
		h, err := q.Submit(context.Background(), Job{Tenant: "acme", Text: "t", Voice: "v"})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	// The queue is full, so a dead context rejects the submission.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Submit(ctx, Job{Tenant: "acme", Text: "late", Voice: "v"})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, int64(2), q.Stats().Submitted, "only accepted jobs count as submitted")

	close(gate)
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}
}

func TestQueue_ShutdownDrainsUnstartedJobs(t *testing.T) {
	gate := make(chan struct{})
	primary := &observingSynth{onCall: func() { <-gate }}

	q := newTestQueue(t, Config{Workers: 1, Capacity: 16, Primary: primary})

	// First job occupies the single worker; the rest sit in the channel.
	var handles []*Handle
	for i := 0; i < 5; i++ {
		h, err := q.Submit(context.Background(), Job{Tenant: "acme", Text: "t", Voice: "v"})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	time.Sleep(20 * time.Millisecond)
	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdownDone <- q.Shutdown(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	close(gate)
	require.NoError(t, <-shutdownDone)

	// The in-flight job completed; queued-but-unstarted jobs were failed
	// with ErrQueueClosed.
	closed := 0
	for _, h := range handles {
		res, err := h.Wait(context.Background())
		if err != nil {
			assert.ErrorIs(t, res.Err, dispatch.ErrQueueClosed)
			closed++
		}
	}
	assert.Equal(t, 4, closed)
}

func TestQueue_ShutdownIsIdempotent(t *testing.T) {
	q := newTestQueue(t, Config{Primary: &stubSynth{name: "p"}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	require.NoError(t, q.Shutdown(ctx))
}

func TestHandle_WaitHonorsContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	primary := &observingSynth{onCall: func() { <-gate }}
	q := newTestQueue(t, Config{Workers: 1, Primary: primary})

	h, err := q.Submit(context.Background(), Job{Tenant: "acme", Text: "t", Voice: "v"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
