// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failingOp(ctx context.Context) error { return errBoom }
func okOp(ctx context.Context) error      { return nil }

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := b.Call(ctx, failingOp)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, "closed", b.State())

	// A call below the threshold still reaches the provider.
	require.NoError(t, b.Call(ctx, okOp))
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute)
	ctx := context.Background()

	// Two failures, then a success, then two more failures: the streak
	// never reaches three, so the circuit stays closed.
	_ = b.Call(ctx, failingOp)
	_ = b.Call(ctx, failingOp)
	require.NoError(t, b.Call(ctx, okOp))
	_ = b.Call(ctx, failingOp)
	_ = b.Call(ctx, failingOp)

	assert.Equal(t, "closed", b.State())
}

func TestBreaker_OpensAtThresholdAndFastFails(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, failingOp)
	}
	assert.Equal(t, "open", b.State())

	invoked := false
	err := b.Call(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.False(t, invoked, "open circuit must not invoke the operation")

	var coe *CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "test", coe.Name)
}

func TestBreaker_TrialSuccessCloses(t *testing.T) {
	b := NewBreaker("test", 1, 10*time.Millisecond)
	ctx := context.Background()

	_ = b.Call(ctx, failingOp)
	assert.Equal(t, "open", b.State())

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Call(ctx, okOp))
	assert.Equal(t, "closed", b.State())

	// The failure counter was reset along with the state.
	_ = b.Call(ctx, failingOp)
	assert.Equal(t, "open", b.State())
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	b := NewBreaker("test", 1, 10*time.Millisecond)
	ctx := context.Background()

	_ = b.Call(ctx, failingOp)
	time.Sleep(20 * time.Millisecond)

	err := b.Call(ctx, failingOp)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, "open", b.State())

	// The open timestamp was refreshed: the very next call fast-fails.
	err = b.Call(ctx, okOp)
	assert.True(t, IsCircuitOpen(err))
}

func TestBreaker_SingleTrialDuringHalfOpen(t *testing.T) {
	b := NewBreaker("test", 1, 10*time.Millisecond)
	ctx := context.Background()

	_ = b.Call(ctx, failingOp)
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Call(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// While the trial is in flight, every other caller fast-fails.
	var rejected int
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if IsCircuitOpen(b.Call(ctx, okOp)) {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, rejected)

	close(release)
}

func TestBreaker_CancelledCallDoesNotCount(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute)
	ctx := context.Background()

	cancelledOp := func(ctx context.Context) error { return context.Canceled }
	for i := 0; i < 10; i++ {
		err := b.Call(ctx, cancelledOp)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, "closed", b.State(), "cancellations say nothing about provider health")

	// The failure streak was untouched: exactly threshold real failures
	// are still needed to open the circuit.
	_ = b.Call(ctx, failingOp)
	_ = b.Call(ctx, failingOp)
	assert.Equal(t, "closed", b.State())
	_ = b.Call(ctx, failingOp)
	assert.Equal(t, "open", b.State())
}

func TestBreaker_CancelledTrialAllowsImmediateRetry(t *testing.T) {
	b := NewBreaker("test", 1, 10*time.Millisecond)
	ctx := context.Background()

	_ = b.Call(ctx, failingOp)
	time.Sleep(20 * time.Millisecond)

	err := b.Call(ctx, func(ctx context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "open", b.State())

	// The open timestamp was not refreshed, so the next caller probes
	// right away instead of waiting out another reset window.
	require.NoError(t, b.Call(ctx, okOp))
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker("test", 1, time.Hour)
	ctx := context.Background()

	_ = b.Call(ctx, failingOp)
	assert.Equal(t, "open", b.State())

	b.Reset()
	assert.Equal(t, "closed", b.State())
	require.NoError(t, b.Call(ctx, okOp))
}
