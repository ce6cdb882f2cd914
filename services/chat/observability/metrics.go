// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chat service.
//
// # Description
//
// Metrics cover the full request pipeline: request counters by outcome,
// guardrail interventions by stage and rule, rate limit rejections, token
// usage, retrieval latency, and streaming latency/duration histograms.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for chat metrics
const chatSubsystem = "chat"

// ChatMetrics holds all Prometheus metrics for chat operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring streaming chat
// performance and guardrail activity. Initialize once at startup via
// InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type ChatMetrics struct {
	// RequestsTotal counts chat requests by outcome.
	// Labels: outcome (completed, blocked_input, blocked_output,
	// rate_limited, upstream_error, client_disconnect, validation_error)
	RequestsTotal *prometheus.CounterVec

	// GuardrailTriggersTotal counts guardrail interventions.
	// Labels: stage (input, stream, output), rule
	GuardrailTriggersTotal *prometheus.CounterVec

	// RateLimitRejectionsTotal counts rejected requests by scope.
	// Labels: scope (client, session)
	RateLimitRejectionsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction.
	// Labels: direction (input, output)
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first streamed token.
	TimeToFirstTokenSeconds prometheus.Histogram

	// StreamDurationSeconds measures total stream duration.
	// Labels: status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// RetrievalDurationSeconds measures vector search latency.
	RetrievalDurationSeconds prometheus.Histogram

	// ActiveStreams tracks currently active streaming connections.
	ActiveStreams prometheus.Gauge

	// SessionsTrimmedTotal counts sessions compressed to fit the
	// token budget.
	SessionsTrimmedTotal prometheus.Counter

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of ChatMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *ChatMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once at
// application startup; calling twice panics on duplicate registration.
func InitMetrics() *ChatMetrics {
	DefaultMetrics = &ChatMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat requests by outcome",
			},
			[]string{"outcome"},
		),

		GuardrailTriggersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "guardrail_triggers_total",
				Help:      "Total guardrail interventions by stage and rule",
			},
			[]string{"stage", "rule"},
		),

		RateLimitRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "rate_limit_rejections_total",
				Help:      "Total requests rejected by rate limiting, by scope",
			},
			[]string{"scope"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction",
			},
			[]string{"direction"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		RetrievalDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "retrieval_duration_seconds",
				Help:      "Vector search latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
		),

		SessionsTrimmedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "sessions_trimmed_total",
				Help:      "Total sessions compressed to fit the token budget",
			},
		),

		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Outcome Labels
// =============================================================================

// Outcome categorizes how a chat request finished, for metrics labeling.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeBlockedInput     Outcome = "blocked_input"
	OutcomeBlockedOutput    Outcome = "blocked_output"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeUpstreamError    Outcome = "upstream_error"
	OutcomeClientDisconnect Outcome = "client_disconnect"
	OutcomeValidationError  Outcome = "validation_error"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a finished chat request.
func (m *ChatMetrics) RecordRequest(outcome Outcome) {
	m.RequestsTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordGuardrailTrigger records a guardrail intervention.
func (m *ChatMetrics) RecordGuardrailTrigger(stage, rule string) {
	m.GuardrailTriggersTotal.WithLabelValues(stage, rule).Inc()
}

// RecordRateLimitRejection records a rejected request by scope.
func (m *ChatMetrics) RecordRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// RecordTokens records token usage for one request.
func (m *ChatMetrics) RecordTokens(inputTokens, outputTokens int) {
	m.TokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output").Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
func (m *ChatMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *ChatMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// RecordTimeToFirstToken records the time to first token latency.
func (m *ChatMetrics) RecordTimeToFirstToken(seconds float64) {
	m.TimeToFirstTokenSeconds.Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *ChatMetrics) RecordStreamDuration(seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordRetrievalDuration records vector search latency.
func (m *ChatMetrics) RecordRetrievalDuration(seconds float64) {
	m.RetrievalDurationSeconds.Observe(seconds)
}

// RecordSessionTrimmed increments the trimmed session counter.
func (m *ChatMetrics) RecordSessionTrimmed() {
	m.SessionsTrimmedTotal.Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *ChatMetrics) RecordClientDisconnect() {
	m.ClientDisconnectsTotal.Inc()
}
