// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Breaker implements the circuit breaker pattern for a single provider.
// Many concurrent callers share one Breaker per provider; state mutation
// is serialized by a mutex.
//
// States: closed (normal), open (fast-fail until the reset timeout
// elapses), half-open (exactly one trial call admitted). A trial success
// closes the circuit and resets the failure counter; a trial failure
// re-arms open with a fresh timestamp.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu          sync.Mutex
	failures    int
	state       breakerState
	lastFailure time.Time
	probing     bool
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// NewBreaker creates a Breaker that opens after maxFailures consecutive
// failures and admits a trial call after resetTimeout.
func NewBreaker(name string, maxFailures int, resetTimeout time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &Breaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        breakerClosed,
	}
}

// Call executes op through the breaker. When the circuit is open, Call
// returns *CircuitOpenError without invoking op at all.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	opErr := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.probing = false
	}

	if opErr != nil {
		// A cancelled call says nothing about provider health: race
		// losers and client disconnects must not move the breaker. A
		// cancelled trial goes back to open without a fresh timestamp
		// so the next caller may probe immediately.
		if errors.Is(opErr, context.Canceled) {
			if trial {
				b.state = breakerOpen
			}
			return opErr
		}
		b.failures++
		b.lastFailure = time.Now()
		if trial || b.failures >= b.maxFailures {
			b.state = breakerOpen
		}
		return opErr
	}

	b.state = breakerClosed
	b.failures = 0
	return nil
}

// admit decides whether a call may proceed. The second return carries the
// fast-fail error when the circuit is open. The first reports whether the
// admitted call is the half-open trial.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return false, nil
	case breakerOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			return false, &CircuitOpenError{Name: b.name}
		}
		// Reset timeout elapsed: admit a single trial call.
		if b.probing {
			return false, &CircuitOpenError{Name: b.name}
		}
		b.state = breakerHalfOpen
		b.probing = true
		return true, nil
	default: // half-open, trial already in flight
		return false, &CircuitOpenError{Name: b.name}
	}
}

// State returns the current state as a string for status endpoints.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Reset forces the breaker back to closed. Used by admin endpoints.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
	b.probing = false
}
