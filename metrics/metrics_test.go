// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "unknown", sanitizeLabel(""))
	assert.Equal(t, "gpt_4o_mini", sanitizeLabel("gpt-4o.mini"))
	assert.Equal(t, "tenant_1", sanitizeLabel("tenant 1"))
	assert.Len(t, sanitizeLabel("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 32)
}

func TestSink_RecordSuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSink(reg)

	s.RecordSuccess("acme", "openai", "gpt-4o", 120*time.Millisecond)
	s.RecordSuccess("acme", "openai", "gpt-4o", 80*time.Millisecond)

	got := testutil.ToFloat64(s.successes.WithLabelValues("acme", "openai", "gpt_4o"))
	assert.Equal(t, 2.0, got)
}

func TestSink_RecordError(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSink(reg)

	s.RecordError("acme", "openai", "gpt-4o", "circuit_open")
	got := testutil.ToFloat64(s.errors.WithLabelValues("acme", "openai", "gpt_4o", "circuit_open"))
	assert.Equal(t, 1.0, got)
}

func TestSink_RecordTokenUsage(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSink(reg)

	s.RecordTokenUsage("acme", "openai", "gpt-4o", 100, 40)
	s.RecordTokenUsage("acme", "openai", "gpt-4o", 50, 10)

	prompt := testutil.ToFloat64(s.tokens.WithLabelValues("acme", "openai", "gpt_4o", "prompt"))
	completion := testutil.ToFloat64(s.tokens.WithLabelValues("acme", "openai", "gpt_4o", "completion"))
	assert.Equal(t, 150.0, prompt)
	assert.Equal(t, 50.0, completion)
}

func TestSink_RecordCost(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSink(reg)

	s.RecordCost("acme", "elevenlabs", "rachel", 0.30)
	s.RecordCost("acme", "elevenlabs", "rachel", 0.15)
	// Non-positive costs are dropped, never decrementing the counter.
	s.RecordCost("acme", "elevenlabs", "rachel", 0)
	s.RecordCost("acme", "elevenlabs", "rachel", -1)

	got := testutil.ToFloat64(s.cost.WithLabelValues("acme", "elevenlabs", "rachel"))
	assert.InDelta(t, 0.45, got, 1e-9)
}
