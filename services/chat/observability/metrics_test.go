// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

// newTestMetrics creates a ChatMetrics instance with a custom registry.
// This avoids conflicts with the global Prometheus registry and allows
// parallel testing.
func newTestMetrics(t *testing.T) *ChatMetrics {
	t.Helper()

	reg := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "requests_total",
			Help:      "Total number of chat requests by outcome",
		},
		[]string{"outcome"},
	)

	guardrailTriggersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "guardrail_triggers_total",
			Help:      "Total guardrail interventions by stage and rule",
		},
		[]string{"stage", "rule"},
	)

	rateLimitRejectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "rate_limit_rejections_total",
			Help:      "Total requests rejected by rate limiting, by scope",
		},
		[]string{"scope"},
	)

	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "tokens_total",
			Help:      "Total tokens processed by direction",
		},
		[]string{"direction"},
	)

	timeToFirstTokenSeconds := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "time_to_first_token_seconds",
			Help:      "Time from request to first token in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	streamDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	retrievalDurationSeconds := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "retrieval_duration_seconds",
			Help:      "Vector search latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
	)

	activeStreams := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "active_streams",
			Help:      "Number of currently active streaming connections",
		},
	)

	sessionsTrimmedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "sessions_trimmed_total",
			Help:      "Total sessions compressed to fit the token budget",
		},
	)

	clientDisconnectsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "client_disconnects_total",
			Help:      "Total client disconnections during streaming",
		},
	)

	reg.MustRegister(
		requestsTotal,
		guardrailTriggersTotal,
		rateLimitRejectionsTotal,
		tokensTotal,
		timeToFirstTokenSeconds,
		streamDurationSeconds,
		retrievalDurationSeconds,
		activeStreams,
		sessionsTrimmedTotal,
		clientDisconnectsTotal,
	)

	return &ChatMetrics{
		RequestsTotal:            requestsTotal,
		GuardrailTriggersTotal:   guardrailTriggersTotal,
		RateLimitRejectionsTotal: rateLimitRejectionsTotal,
		TokensTotal:              tokensTotal,
		TimeToFirstTokenSeconds:  timeToFirstTokenSeconds,
		StreamDurationSeconds:    streamDurationSeconds,
		RetrievalDurationSeconds: retrievalDurationSeconds,
		ActiveStreams:            activeStreams,
		SessionsTrimmedTotal:     sessionsTrimmedTotal,
		ClientDisconnectsTotal:   clientDisconnectsTotal,
	}
}

// ============================================================================
// InitMetrics Tests
// ============================================================================

// Note: InitMetrics uses promauto which registers with the default Prometheus
// registry. This test must only run once per test binary execution since
// duplicate registration will panic.
var initMetricsTestOnce bool

func TestInitMetrics(t *testing.T) {
	if initMetricsTestOnce {
		t.Skip("InitMetrics can only be called once per test run (promauto restriction)")
	}
	initMetricsTestOnce = true

	result := InitMetrics()

	if result == nil {
		t.Fatal("InitMetrics() returned nil")
	}
	if DefaultMetrics == nil {
		t.Fatal("DefaultMetrics should be set after InitMetrics()")
	}
	if DefaultMetrics != result {
		t.Error("DefaultMetrics should equal the returned value")
	}
	if result.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if result.GuardrailTriggersTotal == nil {
		t.Error("GuardrailTriggersTotal should not be nil")
	}
	if result.RateLimitRejectionsTotal == nil {
		t.Error("RateLimitRejectionsTotal should not be nil")
	}
	if result.TokensTotal == nil {
		t.Error("TokensTotal should not be nil")
	}
	if result.TimeToFirstTokenSeconds == nil {
		t.Error("TimeToFirstTokenSeconds should not be nil")
	}
	if result.StreamDurationSeconds == nil {
		t.Error("StreamDurationSeconds should not be nil")
	}
	if result.RetrievalDurationSeconds == nil {
		t.Error("RetrievalDurationSeconds should not be nil")
	}
	if result.ActiveStreams == nil {
		t.Error("ActiveStreams should not be nil")
	}
	if result.SessionsTrimmedTotal == nil {
		t.Error("SessionsTrimmedTotal should not be nil")
	}
	if result.ClientDisconnectsTotal == nil {
		t.Error("ClientDisconnectsTotal should not be nil")
	}

	// Verify metrics can be used
	result.RecordRequest(OutcomeCompleted)
	result.RecordGuardrailTrigger("input", "injection")
	result.RecordTokens(100, 50)
	result.StreamStarted()
	result.StreamEnded()
}

// ============================================================================
// Constants Tests
// ============================================================================

func TestConstants(t *testing.T) {
	if metricsNamespace != "aleutian" {
		t.Errorf("metricsNamespace = %q, want %q", metricsNamespace, "aleutian")
	}
	if chatSubsystem != "chat" {
		t.Errorf("chatSubsystem = %q, want %q", chatSubsystem, "chat")
	}
}

func TestOutcomeConstants(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeCompleted, "completed"},
		{OutcomeBlockedInput, "blocked_input"},
		{OutcomeBlockedOutput, "blocked_output"},
		{OutcomeRateLimited, "rate_limited"},
		{OutcomeUpstreamError, "upstream_error"},
		{OutcomeClientDisconnect, "client_disconnect"},
		{OutcomeValidationError, "validation_error"},
	}

	for _, tt := range tests {
		if string(tt.outcome) != tt.want {
			t.Errorf("Outcome = %q, want %q", tt.outcome, tt.want)
		}
	}
}

// ============================================================================
// Counter Tests
// ============================================================================

func TestChatMetrics_RecordRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(OutcomeCompleted)
	m.RecordRequest(OutcomeCompleted)
	m.RecordRequest(OutcomeBlockedInput)

	completedVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("completed"))
	if completedVal != 2 {
		t.Errorf("RequestsTotal[completed] = %f, want 2", completedVal)
	}

	blockedVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("blocked_input"))
	if blockedVal != 1 {
		t.Errorf("RequestsTotal[blocked_input] = %f, want 1", blockedVal)
	}
}

func TestChatMetrics_RecordGuardrailTrigger(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordGuardrailTrigger("input", "injection")
	m.RecordGuardrailTrigger("input", "injection")
	m.RecordGuardrailTrigger("output", "prompt_leak")

	injectionVal := testutil.ToFloat64(m.GuardrailTriggersTotal.WithLabelValues("input", "injection"))
	if injectionVal != 2 {
		t.Errorf("GuardrailTriggersTotal[input,injection] = %f, want 2", injectionVal)
	}

	leakVal := testutil.ToFloat64(m.GuardrailTriggersTotal.WithLabelValues("output", "prompt_leak"))
	if leakVal != 1 {
		t.Errorf("GuardrailTriggersTotal[output,prompt_leak] = %f, want 1", leakVal)
	}
}

func TestChatMetrics_RecordRateLimitRejection(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRateLimitRejection("client")
	m.RecordRateLimitRejection("session")
	m.RecordRateLimitRejection("session")

	clientVal := testutil.ToFloat64(m.RateLimitRejectionsTotal.WithLabelValues("client"))
	if clientVal != 1 {
		t.Errorf("RateLimitRejectionsTotal[client] = %f, want 1", clientVal)
	}

	sessionVal := testutil.ToFloat64(m.RateLimitRejectionsTotal.WithLabelValues("session"))
	if sessionVal != 2 {
		t.Errorf("RateLimitRejectionsTotal[session] = %f, want 2", sessionVal)
	}
}

func TestChatMetrics_RecordTokens(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTokens(100, 50)
	m.RecordTokens(200, 100)

	inputVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("input"))
	if inputVal != 300 {
		t.Errorf("TokensTotal[input] = %f, want 300", inputVal)
	}

	outputVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("output"))
	if outputVal != 150 {
		t.Errorf("TokensTotal[output] = %f, want 150", outputVal)
	}
}

// ============================================================================
// Gauge Tests
// ============================================================================

func TestChatMetrics_StreamLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted()
	m.StreamStarted()
	m.StreamStarted()

	val := testutil.ToFloat64(m.ActiveStreams)
	if val != 3 {
		t.Errorf("After 3 starts: ActiveStreams = %f, want 3", val)
	}

	m.StreamEnded()
	m.StreamEnded()
	m.StreamEnded()

	val = testutil.ToFloat64(m.ActiveStreams)
	if val != 0 {
		t.Errorf("After all ends: ActiveStreams = %f, want 0", val)
	}
}

// ============================================================================
// Histogram Tests
// ============================================================================

func TestChatMetrics_Histograms(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTimeToFirstToken(0.5)
	m.RecordStreamDuration(10.5, true)
	m.RecordStreamDuration(5.0, false)
	m.RecordRetrievalDuration(0.08)

	if count := testutil.CollectAndCount(m.TimeToFirstTokenSeconds); count == 0 {
		t.Error("Expected TimeToFirstTokenSeconds to be collected")
	}
	if count := testutil.CollectAndCount(m.StreamDurationSeconds); count == 0 {
		t.Error("Expected StreamDurationSeconds to be collected")
	}
	if count := testutil.CollectAndCount(m.RetrievalDurationSeconds); count == 0 {
		t.Error("Expected RetrievalDurationSeconds to be collected")
	}
}

// ============================================================================
// Scenario Tests
// ============================================================================

func TestChatMetrics_CompleteStreamScenario(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted()
	m.RecordRetrievalDuration(0.1)
	m.RecordTimeToFirstToken(0.5)
	m.RecordTokens(150, 200)
	m.RecordStreamDuration(30.0, true)
	m.StreamEnded()
	m.RecordRequest(OutcomeCompleted)

	activeVal := testutil.ToFloat64(m.ActiveStreams)
	if activeVal != 0 {
		t.Errorf("ActiveStreams should be 0 after stream ended, got %f", activeVal)
	}

	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("completed"))
	if requestsVal != 1 {
		t.Errorf("RequestsTotal[completed] should be 1, got %f", requestsVal)
	}
}

func TestChatMetrics_DisconnectScenario(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted()
	m.RecordClientDisconnect()
	m.StreamEnded()
	m.RecordRequest(OutcomeClientDisconnect)

	disconnectVal := testutil.ToFloat64(m.ClientDisconnectsTotal)
	if disconnectVal != 1 {
		t.Errorf("ClientDisconnectsTotal should be 1, got %f", disconnectVal)
	}
}

// ============================================================================
// Concurrent Safety Tests
// ============================================================================

func TestChatMetrics_ConcurrentSafety(t *testing.T) {
	m := newTestMetrics(t)

	done := make(chan bool, 80)

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordRequest(OutcomeCompleted)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordGuardrailTrigger("stream", "cjk_strip")
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordTokens(10, 5)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.StreamStarted()
			m.StreamEnded()
			done <- true
		}()
	}

	for i := 0; i < 80; i++ {
		<-done
	}

	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("completed"))
	if requestsVal != 20 {
		t.Errorf("RequestsTotal[completed] = %f, want 20", requestsVal)
	}

	triggersVal := testutil.ToFloat64(m.GuardrailTriggersTotal.WithLabelValues("stream", "cjk_strip"))
	if triggersVal != 20 {
		t.Errorf("GuardrailTriggersTotal[stream,cjk_strip] = %f, want 20", triggersVal)
	}
}
