// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"fmt"
	"strings"
)

// Pricing as of mid-2025, stored in thousandths of a cent per 1K units to
// avoid floating point in billing math.

// ModelPricing prices one model's tokens.
type ModelPricing struct {
	PromptPer1K     int // thousandths of a cent per 1K prompt tokens
	CompletionPer1K int // thousandths of a cent per 1K completion tokens
}

// textPricing is keyed by model name. Model names identify pricing on
// their own; provider instance names ("openai-primary") vary per config
// and never appear here.
var textPricing = map[string]ModelPricing{
	"gpt-4o":        {250, 1000},
	"gpt-4o-mini":   {15, 60},
	"gpt-4-turbo":   {1000, 3000},
	"gpt-3.5-turbo": {50, 150},

	// Conservative default for unlisted models.
	"default": {1000, 3000},
}

// speechPricing maps provider type to thousandths of a cent per 1K
// characters.
var speechPricing = map[string]int{
	"elevenlabs": 30000, // $0.30 per 1K characters
	"openai-tts": 1500,  // $0.015 per 1K characters
	"default":    30000,
}

// speechProviderType resolves a configured instance name like
// "openai-tts-backup" or "elevenlabs-primary" to its pricing type.
// Longer types win so "openai-tts-*" never resolves as a shorter match.
func speechProviderType(provider string) string {
	if _, ok := speechPricing[provider]; ok {
		return provider
	}
	best := ""
	for typ := range speechPricing {
		if typ == "default" {
			continue
		}
		if strings.HasPrefix(provider, typ) && len(typ) > len(best) {
			best = typ
		}
	}
	if best == "" {
		return "default"
	}
	return best
}

// TextCostCents calculates the cost of a text generation in cents.
func TextCostCents(provider, model string, promptTokens, completionTokens int) int {
	pricing, ok := textPricing[model]
	if !ok {
		pricing = textPricing["default"]
	}
	milliCents := (promptTokens*pricing.PromptPer1K + completionTokens*pricing.CompletionPer1K) / 1000
	return milliCents / 1000
}

// SpeechCostCents calculates the cost of a synthesis in cents.
func SpeechCostCents(provider string, characters int) int {
	per1K := speechPricing[speechProviderType(provider)]
	return (characters * per1K) / 1000 / 1000
}

// FormatCostToDollars converts cents to a dollar string, e.g. 135 -> "$1.35".
func FormatCostToDollars(cents int) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100.0)
}
