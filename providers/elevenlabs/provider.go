// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// Package elevenlabs implements a speech-synthesis provider backed by the
// ElevenLabs text-to-speech API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"voxline/core/dispatch"
)

const (
	// DefaultBaseURL is the default ElevenLabs API endpoint.
	DefaultBaseURL = "https://api.elevenlabs.io"

	// DefaultModel is the multilingual synthesis model.
	DefaultModel = "eleven_multilingual_v2"

	// DefaultTimeout is generous because synthesis of long text is slow.
	DefaultTimeout = 120 * time.Second

	// maxInputChars is the practical API input limit; longer text is
	// truncated with an ellipsis.
	maxInputChars = 2400
)

// voiceIDs maps friendly voice names to ElevenLabs voice identifiers.
// A string long enough to be an ID already is passed through as-is.
var voiceIDs = map[string]string{
	"rachel": "21m00Tcm4TlvDq8ikWAM",
	"domi":   "AZnzlk1XvdvUeBnXmlld",
	"bella":  "EXAVITQu4vr4xnSDxMaL",
	"antoni": "ErXwobaYiN019PkySvjV",
	"elli":   "MF3mGyEYCl7XYWbV9V6O",
	"josh":   "TxGEqnHWrfWFTfGW9XjX",
}

// defaultVoice is used when the requested voice is unknown.
const defaultVoice = "rachel"

// VoiceSettings tunes the synthesis character.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// DefaultVoiceSettings produce a stable, moderately expressive voice.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.65,
		SimilarityBoost: 0.75,
		Style:           0.2,
		UseSpeakerBoost: true,
	}
}

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the ElevenLabs provider.
type Config struct {
	// Name defaults to "elevenlabs".
	Name string

	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// Model overrides the synthesis model.
	Model string

	// Settings overrides the voice settings.
	Settings *VoiceSettings

	// Timeout is the HTTP timeout (default: 120s).
	Timeout time.Duration

	// Client overrides the HTTP client, for tests.
	Client HTTPClient
}

// Provider implements dispatch.SpeechProvider.
type Provider struct {
	name     string
	apiKey   string
	baseURL  string
	model    string
	settings VoiceSettings
	client   HTTPClient

	mu      sync.RWMutex
	healthy bool
}

// NewProvider creates an ElevenLabs speech provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("elevenlabs API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "elevenlabs"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	settings := DefaultVoiceSettings()
	if cfg.Settings != nil {
		settings = *cfg.Settings
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{
		name:     cfg.Name,
		apiKey:   cfg.APIKey,
		baseURL:  cfg.BaseURL,
		model:    cfg.Model,
		settings: settings,
		client:   client,
		healthy:  true,
	}, nil
}

// Name returns the provider instance name.
func (p *Provider) Name() string {
	return p.name
}

// Available reports whether the last API interaction succeeded.
func (p *Provider) Available(ctx context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy && p.apiKey != ""
}

func (p *Provider) setHealthy(healthy bool) {
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
}

// CalculateCost prices synthesis at roughly $0.30 per 1K characters.
func (p *Provider) CalculateCost(u dispatch.Usage) float64 {
	return float64(u.Characters) * 0.30 / 1000
}

// Synthesize renders text to MP3 audio with the given voice.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	prepared := PreprocessText(text)
	if prepared == "" {
		return nil, &dispatch.ProviderError{
			Provider: p.name,
			Code:     dispatch.ErrCodeInvalidRequest,
			Message:  "text is empty",
		}
	}

	body, err := json.Marshal(synthesisRequest{
		Text:          prepared,
		ModelID:       p.model,
		VoiceSettings: p.settings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := p.baseURL + "/v1/text-to-speech/" + resolveVoiceID(voice)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		return nil, &dispatch.ProviderError{
			Provider: p.name,
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
			p.setHealthy(false)
		}
		return nil, p.parseAPIError(resp, respBody)
	}
	p.setHealthy(true)

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, &dispatch.ProviderError{
			Provider: p.name,
			Code:     dispatch.ErrCodeServerError,
			Message:  "response contained no audio",
		}
	}
	return audio, nil
}

func (p *Provider) parseAPIError(resp *http.Response, body []byte) error {
	var errResp struct {
		Detail struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"detail"`
	}
	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Detail.Message != "" {
		message = errResp.Detail.Message
	}

	pe := &dispatch.ProviderError{
		Provider:   p.name,
		Code:       dispatch.CodeForStatus(resp.StatusCode),
		Message:    message,
		StatusCode: resp.StatusCode,
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if sec, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && sec > 0 {
			pe.RetryAfter = time.Duration(sec) * time.Second
		}
	}
	return pe
}

// resolveVoiceID maps a friendly name to an ElevenLabs voice ID. Strings
// already shaped like an ID (long, no mapping) pass through unchanged.
func resolveVoiceID(voice string) string {
	if id, ok := voiceIDs[strings.ToLower(voice)]; ok {
		return id
	}
	if len(voice) > 10 {
		return voice
	}
	return voiceIDs[defaultVoice]
}

// PreprocessText normalizes text for synthesis: caps the length, strips
// symbols the engine mispronounces, expands common abbreviations, and
// splits run-on sentences so prosody stays natural.
func PreprocessText(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	// Truncate on a rune boundary so a multi-byte character is never
	// split mid-sequence.
	if runes := []rune(text); len(runes) > maxInputChars {
		text = string(runes[:maxInputChars]) + "..."
	}

	replacements := [][2]string{
		{"%", " percent"},
		{"&", " and "},
		{"e.g.", "for example"},
		{"i.e.", "that is"},
		{"etc.", "and so on"},
	}
	for _, r := range replacements {
		text = strings.ReplaceAll(text, r[0], r[1])
	}

	text = stripSymbols(text)

	return joinSentences(splitLongSentences(text))
}

// stripSymbols drops characters outside the set the engine reads well.
func stripSymbols(text string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r > 127: // non-ASCII letters pass through for multilingual text
			return r
		}
		switch r {
		case ' ', '\t', '\n', '.', ',', '!', '?', ':', ';', '-', '(', ')', '"', '\'':
			return r
		}
		return -1
	}, text)
}

// splitLongSentences breaks sentences over 150 characters at commas into
// chunks under 120 characters.
func splitLongSentences(text string) []string {
	var out []string
	for _, sentence := range strings.Split(text, ".") {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		if len(sentence) <= 150 {
			out = append(out, sentence)
			continue
		}
		var current string
		for _, part := range strings.Split(sentence, ",") {
			if len(current)+len(part) < 120 {
				current += part + ","
				continue
			}
			if current != "" {
				out = append(out, strings.TrimRight(current, ","))
			}
			current = part + ","
		}
		if current != "" {
			out = append(out, strings.TrimRight(current, ","))
		}
	}
	return out
}

func joinSentences(sentences []string) string {
	return strings.TrimSpace(strings.Join(sentences, ". "))
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}
