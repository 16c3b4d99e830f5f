// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// Package openai implements text-generation and speech-synthesis providers
// backed by the OpenAI API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"voxline/core/dispatch"
)

const (
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 60 * time.Second

	// DefaultModel is used when a request carries no model override.
	DefaultModel = "gpt-4o-mini"

	// DefaultMaxTokens caps the completion length when the request
	// does not set one.
	DefaultMaxTokens = 1024
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the OpenAI providers.
type Config struct {
	// Name distinguishes multiple instances of the same backend, e.g.
	// "openai-primary" vs "openai-backup". Defaults to "openai".
	Name string

	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint (default: https://api.openai.com).
	BaseURL string

	// Model is the default model (default: gpt-4o-mini).
	Model string

	// Timeout is the HTTP timeout (default: 60s).
	Timeout time.Duration

	// Client overrides the HTTP client, for tests.
	Client HTTPClient
}

// Provider implements dispatch.TextProvider against /v1/chat/completions.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	model   string
	client  HTTPClient

	mu      sync.RWMutex
	healthy bool
}

// NewProvider creates an OpenAI text provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	applyDefaults(&cfg)
	return &Provider{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  cfg.Client,
		healthy: true,
	}, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = "openai"
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
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
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

// tokenRates holds dollars per 1M tokens, keyed by model.
var tokenRates = map[string]struct{ prompt, completion float64 }{
	"gpt-4o":        {2.50, 10.00},
	"gpt-4o-mini":   {0.15, 0.60},
	"gpt-4-turbo":   {10.00, 30.00},
	"gpt-3.5-turbo": {0.50, 1.50},
}

// CalculateCost prices token usage at the configured model's rates.
// Unlisted models use gpt-4-turbo rates as a conservative bound.
func (p *Provider) CalculateCost(u dispatch.Usage) float64 {
	rates, ok := tokenRates[p.model]
	if !ok {
		rates = tokenRates["gpt-4-turbo"]
	}
	return float64(u.PromptTokens)*rates.prompt/1e6 + float64(u.CompletionTokens)*rates.completion/1e6
}

// Generate produces a chat completion for the request.
func (p *Provider) Generate(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	apiReq := chatRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		apiReq.Temperature = &req.Temperature
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

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
		return nil, parseAPIError(p.name, resp, respBody)
	}
	p.setHealthy(true)

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, &dispatch.ProviderError{
			Provider: p.name,
			Code:     dispatch.ErrCodeServerError,
			Message:  "response contained no choices",
		}
	}

	return &dispatch.Response{
		Content:  apiResp.Choices[0].Message.Content,
		Provider: p.name,
		Model:    apiResp.Model,
		Usage: dispatch.Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
}

// parseAPIError converts a non-200 response into a *dispatch.ProviderError,
// mapping the status code and carrying the Retry-After header on 429s.
func parseAPIError(provider string, resp *http.Response, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	pe := &dispatch.ProviderError{
		Provider:   provider,
		Code:       dispatch.CodeForStatus(resp.StatusCode),
		Message:    message,
		StatusCode: resp.StatusCode,
	}
	if errResp.Error.Code == "content_filter" || errResp.Error.Type == "content_filter" {
		pe.Code = dispatch.ErrCodeContentFilter
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if sec, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && sec > 0 {
			pe.RetryAfter = time.Duration(sec) * time.Second
		}
	}
	return pe
}

// Internal API types.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
