// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes dispatch outcomes as Prometheus metrics.
package metrics

import (
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var labelChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// sanitizeLabel keeps label values low-cardinality and scrape-safe.
func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = labelChars.ReplaceAllString(s, "_")
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

// Sink implements dispatch.MetricsSink on a Prometheus registry.
type Sink struct {
	successes *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	tokens    *prometheus.CounterVec
	cost      *prometheus.CounterVec
}

// NewSink creates a Sink and registers its collectors with reg.
func NewSink(reg prometheus.Registerer) *Sink {
	s := &Sink{
		successes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxline_dispatch_success_total",
				Help: "Total number of successful provider calls",
			},
			[]string{"tenant", "provider", "model"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxline_dispatch_errors_total",
				Help: "Total number of failed provider calls",
			},
			[]string{"tenant", "provider", "model", "error_kind"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxline_dispatch_duration_milliseconds",
				Help:    "Provider call duration in milliseconds",
				Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"tenant", "provider", "model"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxline_dispatch_tokens_total",
				Help: "Total tokens consumed, by direction",
			},
			[]string{"tenant", "provider", "model", "direction"},
		),
		cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxline_dispatch_cost_usd_total",
				Help: "Accumulated provider cost in USD",
			},
			[]string{"tenant", "provider", "model"},
		),
	}
	reg.MustRegister(s.successes, s.errors, s.latency, s.tokens, s.cost)
	return s
}

func (s *Sink) RecordSuccess(tenant, provider, model string, latency time.Duration) {
	t, p, m := sanitizeLabel(tenant), sanitizeLabel(provider), sanitizeLabel(model)
	s.successes.WithLabelValues(t, p, m).Inc()
	s.latency.WithLabelValues(t, p, m).Observe(float64(latency.Milliseconds()))
}

func (s *Sink) RecordError(tenant, provider, model, errKind string) {
	s.errors.WithLabelValues(
		sanitizeLabel(tenant), sanitizeLabel(provider), sanitizeLabel(model), sanitizeLabel(errKind),
	).Inc()
}

func (s *Sink) RecordTokenUsage(tenant, provider, model string, promptTokens, completionTokens int) {
	t, p, m := sanitizeLabel(tenant), sanitizeLabel(provider), sanitizeLabel(model)
	s.tokens.WithLabelValues(t, p, m, "prompt").Add(float64(promptTokens))
	s.tokens.WithLabelValues(t, p, m, "completion").Add(float64(completionTokens))
}

func (s *Sink) RecordCost(tenant, provider, model string, usd float64) {
	if usd <= 0 {
		return
	}
	s.cost.WithLabelValues(
		sanitizeLabel(tenant), sanitizeLabel(provider), sanitizeLabel(model),
	).Add(usd)
}
