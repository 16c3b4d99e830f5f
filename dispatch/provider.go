// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"time"
)

// TextProvider is the capability interface for text generation.
// Implementations must be safe for concurrent use and must return a
// *ProviderError (or an error wrapping one) on failure so the dispatcher
// can classify it.
type TextProvider interface {
	// Name returns the unique identifier for this provider instance.
	// Example: "openai-primary", "openai-backup".
	Name() string

	// Generate produces a completion for the request. The context carries
	// the per-call timeout and cancellation.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Available reports whether the provider is currently operational.
	Available(ctx context.Context) bool

	// CalculateCost returns the USD cost of a call for billing.
	CalculateCost(u Usage) float64
}

// SpeechProvider is the capability interface for speech synthesis.
type SpeechProvider interface {
	// Name returns the unique identifier for this provider instance.
	Name() string

	// Synthesize renders text to audio with the given voice.
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)

	// Available reports whether the provider is currently operational.
	Available(ctx context.Context) bool

	// CalculateCost returns the USD cost of a call for billing.
	CalculateCost(u Usage) float64
}

// MetricsSink receives dispatch outcomes for observability. The dispatcher
// and the synthesis queue consume the sink; they never own it.
type MetricsSink interface {
	RecordSuccess(tenant, provider, model string, latency time.Duration)
	RecordError(tenant, provider, model, errKind string)
	RecordTokenUsage(tenant, provider, model string, promptTokens, completionTokens int)
	RecordCost(tenant, provider, model string, usd float64)
}

// NopSink is a MetricsSink that discards everything.
type NopSink struct{}

func (NopSink) RecordSuccess(tenant, provider, model string, latency time.Duration)              {}
func (NopSink) RecordError(tenant, provider, model, errKind string)                              {}
func (NopSink) RecordTokenUsage(tenant, provider, model string, promptTokens, completion int)    {}
func (NopSink) RecordCost(tenant, provider, model string, usd float64)                           {}
