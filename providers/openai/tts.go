// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"voxline/core/dispatch"
)

const (
	// DefaultTTSModel is the speech model.
	DefaultTTSModel = "tts-1"

	// DefaultVoice is used for unknown voice names.
	DefaultVoice = "nova"

	// maxTTSChars is the API input limit.
	maxTTSChars = 4000
)

// ttsVoices maps friendly voice names onto OpenAI voice identifiers so
// callers can use the same names across synthesis backends.
var ttsVoices = map[string]string{
	"alloy":   "alloy",
	"echo":    "echo",
	"fable":   "fable",
	"onyx":    "onyx",
	"nova":    "nova",
	"shimmer": "shimmer",
	"rachel":  "nova",
	"domi":    "shimmer",
	"bella":   "nova",
	"antoni":  "onyx",
	"josh":    "echo",
}

// TTS implements dispatch.SpeechProvider against /v1/audio/speech.
type TTS struct {
	name    string
	apiKey  string
	baseURL string
	model   string
	client  HTTPClient

	mu      sync.RWMutex
	healthy bool
}

// NewTTS creates an OpenAI speech provider.
func NewTTS(cfg Config) (*TTS, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai-tts"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultTTSModel
	}
	applyDefaults(&cfg)
	return &TTS{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  cfg.Client,
		healthy: true,
	}, nil
}

// Name returns the provider instance name.
func (t *TTS) Name() string {
	return t.name
}

// Available reports whether the last API interaction succeeded.
func (t *TTS) Available(ctx context.Context) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.healthy && t.apiKey != ""
}

func (t *TTS) setHealthy(healthy bool) {
	t.mu.Lock()
	t.healthy = healthy
	t.mu.Unlock()
}

// CalculateCost prices synthesis at tts-1 rates: $15 per 1M characters.
func (t *TTS) CalculateCost(u dispatch.Usage) float64 {
	return float64(u.Characters) * 15.0 / 1e6
}

// Synthesize renders text to MP3 audio.
func (t *TTS) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if text == "" {
		return nil, &dispatch.ProviderError{
			Provider: t.name,
			Code:     dispatch.ErrCodeInvalidRequest,
			Message:  "text is empty",
		}
	}
	// Truncate on a rune boundary so a multi-byte character is never
	// split mid-sequence.
	if runes := []rune(text); len(runes) > maxTTSChars {
		text = string(runes[:maxTTSChars])
	}

	apiVoice, ok := ttsVoices[voice]
	if !ok {
		apiVoice = DefaultVoice
	}

	body, err := json.Marshal(speechRequest{
		Model: t.model,
		Input: text,
		Voice: apiVoice,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", t.baseURL+"/v1/audio/speech", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.setHealthy(false)
		return nil, &dispatch.ProviderError{
			Provider: t.name,
			Code:     dispatch.ErrCodeUnavailable,
			Message:  "request failed",
			Cause:    err,
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			t.setHealthy(false)
		}
		return nil, parseAPIError(t.name, resp, respBody)
	}
	t.setHealthy(true)

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, &dispatch.ProviderError{
			Provider: t.name,
			Code:     dispatch.ErrCodeServerError,
			Message:  "response contained no audio",
		}
	}
	return audio, nil
}

type speechRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}
