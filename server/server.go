// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the dispatcher over HTTP: generation and
// synthesis endpoints, health, stats, and Prometheus metrics.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"voxline/core/dispatch"
	"voxline/core/queue"
	"voxline/core/ratelimit"
	"voxline/core/shared/logger"
	"voxline/core/usage"
)

// Server wires the dispatcher, the synthesis queue, the rate limiter, and
// the usage recorder behind a gorilla/mux router.
type Server struct {
	dispatcher *dispatch.Dispatcher
	queue      *queue.Queue
	limiter    *ratelimit.Limiter
	recorder   *usage.Recorder
	log        *logger.Logger
	router     *mux.Router
}

// Options configures a Server. Limiter and Recorder may be nil when the
// backing services are not configured.
type Options struct {
	Dispatcher *dispatch.Dispatcher
	Queue      *queue.Queue
	Limiter    *ratelimit.Limiter
	Recorder   *usage.Recorder
	Registry   *prometheus.Registry
	Logger     *logger.Logger
}

// New creates a Server and registers its routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.New("http-server")
	}
	s := &Server{
		dispatcher: opts.Dispatcher,
		queue:      opts.Queue,
		limiter:    opts.Limiter,
		recorder:   opts.Recorder,
		log:        opts.Logger,
		router:     mux.NewRouter(),
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/v1/generate", s.handleGenerate).Methods("POST")
	s.router.HandleFunc("/v1/synthesize", s.handleSynthesize).Methods("POST")
	s.router.HandleFunc("/v1/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/v1/status", s.handleStatus).Methods("GET")
	if opts.Registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(s.router)
}

type generateRequest struct {
	Tenant       string  `json:"tenant"`
	Subject      string  `json:"subject"`
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Model        string  `json:"model,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Content   string `json:"content"`
	Provider  string `json:"provider"`
	Model     string `json:"model,omitempty"`
	Cached    bool   `json:"cached"`
	Fallback  bool   `json:"fallback"`
	LatencyMs int64  `json:"latency_ms"`
	RequestID string `json:"request_id"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", requestID)
		return
	}
	if req.Tenant == "" || req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "tenant and prompt are required", requestID)
		return
	}

	if !s.checkLimit(w, r, req.Tenant, req.Subject, req.Model, requestID) {
		return
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), dispatch.Request{
		Kind:         dispatch.KindGenerateText,
		Tenant:       req.Tenant,
		Subject:      req.Subject,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	})
	if err != nil {
		if dispatch.IsTotalOutage(err) {
			s.writeError(w, http.StatusServiceUnavailable, "all providers unavailable", requestID)
			return
		}
		s.log.ErrorWith(req.Tenant, requestID, "generate failed", err, nil)
		s.writeError(w, http.StatusInternalServerError, "generation failed", requestID)
		return
	}

	if s.recorder != nil {
		// Recording is best-effort and must not delay the response.
		go func() {
			_ = s.recorder.RecordText(usage.TextEvent{
				Tenant:           req.Tenant,
				Provider:         resp.Provider,
				Model:            resp.Model,
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
				LatencyMs:        resp.Latency.Milliseconds(),
				Cached:           resp.Cached,
				Fallback:         resp.Fallback,
			})
		}()
	}

	s.writeJSON(w, http.StatusOK, generateResponse{
		Content:   resp.Content,
		Provider:  resp.Provider,
		Model:     resp.Model,
		Cached:    resp.Cached,
		Fallback:  resp.Fallback,
		LatencyMs: resp.Latency.Milliseconds(),
		RequestID: requestID,
	})
}

type synthesizeRequest struct {
	Tenant   string `json:"tenant"`
	Subject  string `json:"subject"`
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", requestID)
		return
	}
	if req.Tenant == "" || req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "tenant and text are required", requestID)
		return
	}

	if !s.checkLimit(w, r, req.Tenant, req.Subject, "voice:"+req.Voice, requestID) {
		return
	}

	start := time.Now()
	handle, err := s.queue.Submit(r.Context(), queue.Job{
		ID:       requestID,
		Tenant:   req.Tenant,
		Text:     req.Text,
		Voice:    req.Voice,
		Priority: req.Priority,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrQueueClosed) {
			s.writeError(w, http.StatusServiceUnavailable, "service shutting down", requestID)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job", requestID)
		return
	}

	result, err := handle.Wait(r.Context())
	if err != nil {
		if dispatch.IsTotalOutage(err) || dispatch.IsTransient(err) {
			s.writeError(w, http.StatusServiceUnavailable, "synthesis unavailable", requestID)
			return
		}
		var pe *dispatch.ProviderError
		if errors.As(err, &pe) && pe.Code == dispatch.ErrCodeInvalidRequest {
			s.writeError(w, http.StatusBadRequest, pe.Message, requestID)
			return
		}
		s.log.ErrorWith(req.Tenant, requestID, "synthesis failed", err, nil)
		s.writeError(w, http.StatusInternalServerError, "synthesis failed", requestID)
		return
	}

	if s.recorder != nil {
		latency := time.Since(start)
		go func() {
			_ = s.recorder.RecordSpeech(usage.SpeechEvent{
				Tenant:     req.Tenant,
				Provider:   result.Provider,
				Voice:      req.Voice,
				Characters: len(req.Text),
				AudioBytes: len(result.Audio),
				LatencyMs:  latency.Milliseconds(),
				Cached:     result.Cached,
				Fallback:   result.Fallback,
			})
		}()
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("X-Request-Id", requestID)
	w.Header().Set("X-Provider", result.Provider)
	if result.Cached {
		w.Header().Set("X-Cache", "hit")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Audio)
}

// checkLimit consumes a rate-limit token and writes a 429 on rejection.
// A nil limiter admits everything.
func (s *Server) checkLimit(w http.ResponseWriter, r *http.Request, tenant, subject, resource string, requestID string) bool {
	if s.limiter == nil {
		return true
	}
	err := s.limiter.Check(r.Context(), tenant, subject, resource)
	if err == nil {
		return true
	}
	var rle *ratelimit.RateLimitError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", rle.RetryAfter.Round(time.Second).String())
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded", requestID)
		return false
	}
	s.log.ErrorWith(tenant, requestID, "rate limit check failed", err, nil)
	s.writeError(w, http.StatusInternalServerError, "rate limit check failed", requestID)
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"dispatch": s.dispatcher.Stats(),
	}
	if s.queue != nil {
		payload["queue"] = s.queue.Stats()
		payload["queue_depth"] = s.queue.Depth()
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": s.dispatcher.BreakerStates(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.ErrorWith("", "", "failed to encode response", err, nil)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, requestID string) {
	s.writeJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestID,
	})
}
