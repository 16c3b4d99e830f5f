// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// Package usage records per-tenant billing events to Postgres. Recording
// failures are logged, never surfaced to the request path.
package usage

import (
	"database/sql"

	"voxline/core/shared/logger"
)

// Recorder writes usage events to the usage_events table.
type Recorder struct {
	db  *sql.DB
	log *logger.Logger
}

// NewRecorder creates a Recorder on the given database handle.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, log: logger.New("usage-recorder")}
}

// TextEvent is a completed text-generation dispatch.
type TextEvent struct {
	Tenant           string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMs        int64
	Cached           bool
	Fallback         bool
}

// RecordText records a text-generation event. The cost is computed from
// the pricing table; cached hits are recorded at zero cost.
func (r *Recorder) RecordText(event TextEvent) error {
	costCents := 0
	if !event.Cached {
		costCents = TextCostCents(event.Provider, event.Model, event.PromptTokens, event.CompletionTokens)
	}

	_, err := r.db.Exec(`
		INSERT INTO usage_events (
			tenant_id, event_type, provider, model, prompt_tokens,
			completion_tokens, total_tokens, cost_cents, latency_ms,
			cached, fallback
		) VALUES ($1, 'generate_text', $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.Tenant, event.Provider, event.Model, event.PromptTokens,
		event.CompletionTokens, event.TotalTokens, costCents,
		event.LatencyMs, event.Cached, event.Fallback)

	if err != nil {
		r.log.ErrorWith(event.Tenant, "", "failed to record text usage event", err, nil)
	}
	return err
}

// SpeechEvent is a completed speech-synthesis job.
type SpeechEvent struct {
	Tenant     string
	Provider   string
	Voice      string
	Characters int
	AudioBytes int
	LatencyMs  int64
	Cached     bool
	Fallback   bool
}

// RecordSpeech records a speech-synthesis event.
func (r *Recorder) RecordSpeech(event SpeechEvent) error {
	costCents := 0
	if !event.Cached {
		costCents = SpeechCostCents(event.Provider, event.Characters)
	}

	_, err := r.db.Exec(`
		INSERT INTO usage_events (
			tenant_id, event_type, provider, model, characters,
			audio_bytes, cost_cents, latency_ms, cached, fallback
		) VALUES ($1, 'synthesize_speech', $2, $3, $4, $5, $6, $7, $8, $9)
	`, event.Tenant, event.Provider, event.Voice, event.Characters,
		event.AudioBytes, costCents, event.LatencyMs, event.Cached, event.Fallback)

	if err != nil {
		r.log.ErrorWith(event.Tenant, "", "failed to record speech usage event", err, nil)
	}
	return err
}
