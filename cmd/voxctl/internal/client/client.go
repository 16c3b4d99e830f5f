// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// Package client provides a client for the dispatcher HTTP API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a client for the dispatcher service API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// GenerateRequest is the payload for a text generation call.
type GenerateRequest struct {
	Tenant       string  `json:"tenant"`
	Subject      string  `json:"subject,omitempty"`
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Model        string  `json:"model,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// GenerateResponse is the dispatcher's generation result.
type GenerateResponse struct {
	Content   string `json:"content"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Cached    bool   `json:"cached"`
	Fallback  bool   `json:"fallback"`
	LatencyMs int64  `json:"latency_ms"`
	RequestID string `json:"request_id"`
}

// SynthesizeRequest is the payload for a speech synthesis call.
type SynthesizeRequest struct {
	Tenant  string `json:"tenant"`
	Subject string `json:"subject,omitempty"`
	Text    string `json:"text"`
	Voice   string `json:"voice,omitempty"`
}

// SynthesizeResult carries the synthesized audio and its response metadata.
type SynthesizeResult struct {
	Audio     []byte
	Provider  string
	Cached    bool
	RequestID string
}

// apiError is the dispatcher's standard error body.
type apiError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

// New creates a Client for the dispatcher at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Generate runs a text generation request.
func (c *Client) Generate(req GenerateRequest) (*GenerateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := c.httpClient.Post(c.baseURL+"/v1/generate", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var out GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// Synthesize runs a speech synthesis request and returns the audio bytes.
func (c *Client) Synthesize(req SynthesizeRequest) (*SynthesizeResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := c.httpClient.Post(c.baseURL+"/v1/synthesize", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading audio: %w", err)
	}
	return &SynthesizeResult{
		Audio:     audio,
		Provider:  resp.Header.Get("X-Provider"),
		Cached:    resp.Header.Get("X-Cache") == "hit",
		RequestID: resp.Header.Get("X-Request-Id"),
	}, nil
}

// Status returns the per-provider circuit breaker states.
func (c *Client) Status() (map[string]string, error) {
	var out struct {
		Breakers map[string]string `json:"breakers"`
	}
	if err := c.getJSON("/v1/status", &out); err != nil {
		return nil, err
	}
	return out.Breakers, nil
}

// Stats returns the raw dispatcher and queue statistics.
func (c *Client) Stats() (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.getJSON("/v1/stats", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health checks the service health endpoint.
func (c *Client) Health() error {
	var out map[string]string
	return c.getJSON("/healthz", &out)
}

func (c *Client) getJSON(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%s (retry after %s)", apiErr.Error, resp.Header.Get("Retry-After"))
		}
		return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
}
