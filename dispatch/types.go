// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// Package dispatch implements the resilient request-dispatch core: a
// per-provider circuit breaker, retry with exponential backoff, and a
// race-with-fallback dispatcher that fans a request out to every eligible
// primary provider and returns the first success.
package dispatch

import (
	"time"
)

// Kind identifies the capability a request targets.
type Kind string

const (
	// KindGenerateText is a text-generation (LLM completion) request.
	KindGenerateText Kind = "generate-text"

	// KindSynthesizeSpeech is a speech-synthesis (TTS) request.
	KindSynthesizeSpeech Kind = "synthesize-speech"
)

// Request encapsulates a single dispatch request. A Request is immutable
// once created; callers build a new one per logical operation.
type Request struct {
	// Kind selects the provider capability to invoke.
	Kind Kind `json:"kind"`

	// Tenant identifies the billing/quota owner of the request.
	Tenant string `json:"tenant"`

	// Subject identifies the end user within the tenant (quota subject).
	Subject string `json:"subject,omitempty"`

	// Prompt is the normalized input text. For speech requests this is
	// the text to synthesize.
	Prompt string `json:"prompt"`

	// SystemPrompt is an optional system message for text generation.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// Voice selects the voice for speech synthesis.
	Voice string `json:"voice,omitempty"`

	// MaxTokens limits the response length (0 = provider default).
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness for text generation.
	Temperature float64 `json:"temperature,omitempty"`

	// Priority orders jobs in the synthesis queue (1-10, 10 highest).
	Priority int `json:"priority,omitempty"`
}

// Usage tracks billable consumption for a single provider call.
type Usage struct {
	// PromptTokens is the number of tokens in the input.
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens is the number of tokens generated.
	CompletionTokens int `json:"completion_tokens"`

	// TotalTokens is the sum of prompt and completion tokens.
	TotalTokens int `json:"total_tokens"`

	// Characters is the synthesized character count (speech only).
	Characters int `json:"characters,omitempty"`
}

// Response is the result of a successful dispatch.
type Response struct {
	// Content is the generated text (text requests).
	Content string `json:"content,omitempty"`

	// Audio is the synthesized audio (speech requests).
	Audio []byte `json:"audio,omitempty"`

	// Provider is the name of the provider that produced the result.
	Provider string `json:"provider"`

	// Model is the model that actually served the request.
	Model string `json:"model,omitempty"`

	// Cached reports whether the response was served from the cache
	// without any provider work.
	Cached bool `json:"cached"`

	// Fallback reports whether the designated fallback provider
	// produced the result after every primary failed.
	Fallback bool `json:"fallback,omitempty"`

	// Usage contains billable consumption for the winning call.
	Usage Usage `json:"usage"`

	// Latency is the end-to-end time for the dispatch.
	Latency time.Duration `json:"latency"`
}
