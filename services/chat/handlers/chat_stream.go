// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP handlers of the chat service.
//
// The streaming chat handler walks each request through a guarded
// pipeline: validation, rate limiting, input guardrail, retrieval,
// token-budget context assembly, SSE streaming with in-flight
// sanitisation, output guardrail, and session persistence. The
// Pipeline state machine enforces that ordering.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/guardrail"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/retrieval"
	"github.com/AleutianAI/AleutianChat/services/session"
	"github.com/AleutianAI/AleutianChat/services/tokens"
)

// =============================================================================
// Constants
// =============================================================================

// keepAliveInterval is how often SSE comments are sent while no tokens
// are flowing (retrieval, summarisation, upstream queueing).
const keepAliveInterval = 15 * time.Second

// persistTimeout bounds the detached persistence writes that run after
// the request context is gone (client disconnect, upstream failure).
const persistTimeout = 5 * time.Second

// statusSearching is shown to the client while the knowledge base query
// runs.
const statusSearching = "Searching knowledge base..."

// noticeWithheld is sent when the completed reply failed the output
// guardrail and was replaced.
const noticeWithheld = "The generated response was withheld by a safety check."

// =============================================================================
// Options
// =============================================================================

// Options carries the request-pipeline tunables resolved at startup.
//
// # Fields
//
//   - SystemPrompt: Base system prompt prepended to every conversation.
//   - MaxTokensContext: Token budget for the assembled prompt.
//   - MaxMessageLength: Maximum user message length in runes.
//   - RAGTopK: Number of passages requested from the vector store.
//   - RAGMinSimilarity: Cosine similarity floor for retrieved passages.
//   - ClientRatePerMinute: Per-client request ceiling per minute window.
//   - SessionRatePerHour: Per-session request ceiling per hour window.
type Options struct {
	SystemPrompt        string
	MaxTokensContext    int
	MaxMessageLength    int
	RAGTopK             int
	RAGMinSimilarity    float64
	ClientRatePerMinute int
	SessionRatePerHour  int
}

// =============================================================================
// Interface Definition
// =============================================================================

// StreamHandler processes guarded chat requests with SSE streaming.
type StreamHandler interface {
	// HandleChatStream handles POST /v1/chat requests.
	//
	// # Outputs
	//
	// SSE stream with events:
	//   - status: Processing status updates
	//   - sources: Retrieved documents with scores
	//   - token: Sanitized generated tokens
	//   - notice: Guardrail advisories
	//   - done: Stream completion with session ID
	//   - error: Error events (if failure occurs)
	//
	// Requests stopped before streaming (validation, rate limit) receive
	// plain JSON error responses instead of an SSE stream.
	HandleChatStream(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

type streamHandler struct {
	llmClient llm.LLMClient
	engine    *guardrail.Engine
	retriever *retrieval.Client
	store     *session.Store
	trimmer   *session.Trimmer
	acct      *tokens.Accountant
	metrics   *observability.ChatMetrics
	opts      Options
	logger    *slog.Logger
	tracer    oteltrace.Tracer
}

// NewStreamHandler creates the streaming chat handler.
//
// # Inputs
//
//   - llmClient: Upstream LLM client. Must not be nil.
//   - engine: Guardrail engine. Must not be nil.
//   - retriever: Vector retrieval client. May be disabled (nil weaviate).
//   - store: Session store. Must not be nil.
//   - trimmer: Token-budget trimmer. Must not be nil.
//   - acct: Token accountant. Must not be nil.
//   - metrics: Chat metrics. May be nil (metrics disabled).
//   - opts: Pipeline tunables.
//   - logger: Structured logger. May be nil (slog default).
//
// # Limitations
//
//   - Panics on nil llmClient, engine, store, trimmer, or acct.
func NewStreamHandler(
	llmClient llm.LLMClient,
	engine *guardrail.Engine,
	retriever *retrieval.Client,
	store *session.Store,
	trimmer *session.Trimmer,
	acct *tokens.Accountant,
	metrics *observability.ChatMetrics,
	opts Options,
	logger *slog.Logger,
) StreamHandler {
	if llmClient == nil {
		panic("NewStreamHandler: llmClient must not be nil")
	}
	if engine == nil {
		panic("NewStreamHandler: engine must not be nil")
	}
	if store == nil {
		panic("NewStreamHandler: store must not be nil")
	}
	if trimmer == nil {
		panic("NewStreamHandler: trimmer must not be nil")
	}
	if acct == nil {
		panic("NewStreamHandler: acct must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &streamHandler{
		llmClient: llmClient,
		engine:    engine,
		retriever: retriever,
		store:     store,
		trimmer:   trimmer,
		acct:      acct,
		metrics:   metrics,
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer("aleutian.chat.handlers.stream"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleChatStream processes a chat request end to end.
//
// # Description
//
// The flow is:
//  1. Parse and validate the request body (400 on failure)
//  2. Client-scope rate check (429 with Retry-After on rejection)
//  3. Input guardrail scan; blocked inputs receive a canned safe-response
//     stream and the session is never touched
//  4. Load or create the session; session-scope rate check
//  5. Retrieve passages from the knowledge base and emit sources
//  6. Assemble the prompt within the token budget, summarising old turns
//  7. Persist the user turn, then stream sanitized tokens
//  8. Output guardrail on the assembled reply; persist the assistant turn
//
// # Security
//
//   - Input (user → LLM): blocked messages never reach the model or the
//     session store.
//   - Stream (LLM → user): each delta passes the stream sanitiser before
//     the client sees it.
//   - Output: the complete reply is re-checked; leaks are withheld and
//     the stored turn is flagged.
func (h *streamHandler) HandleChatStream(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	pipe := NewPipeline()

	// --- 1. Validate ---
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.reject(c, pipe, http.StatusBadRequest, "invalid request body", observability.OutcomeValidationError)
		return
	}
	if err := req.Validate(); err != nil {
		h.reject(c, pipe, http.StatusBadRequest, "invalid request: "+err.Error(), observability.OutcomeValidationError)
		return
	}
	if n := utf8.RuneCountInString(req.Message); n > h.opts.MaxMessageLength {
		h.reject(c, pipe, http.StatusBadRequest,
			fmt.Sprintf("message exceeds maximum length of %d characters", h.opts.MaxMessageLength),
			observability.OutcomeValidationError)
		return
	}
	if err := pipe.Fire(TriggerValidated); err != nil {
		h.internalError(c, err)
		return
	}

	clientID := middleware.GetClientID(c)
	span.SetAttributes(attribute.String("chat.client_id", clientID))

	// --- 2. Client-scope rate check ---
	now := time.Now()
	allowed, err := h.store.IncrementRate(ctx, session.RateScopeClient, clientID,
		session.MinuteBucket(now), h.opts.ClientRatePerMinute, time.Minute)
	if err != nil || !allowed {
		h.rateLimited(c, pipe, session.RateScopeClient, secondsToNextMinute(now))
		return
	}
	if err := pipe.Fire(TriggerRateAdmitted); err != nil {
		h.internalError(c, err)
		return
	}

	// --- 3. Input guardrail ---
	if verdict := h.engine.CheckInput(req.Message); verdict.Blocked() {
		h.recordGuardrail(verdict)
		h.blockedInputStream(c, pipe, req.SessionID)
		return
	}
	if err := pipe.Fire(TriggerInputAllowed); err != nil {
		h.internalError(c, err)
		return
	}

	// --- 4. Session load, with retrieval running alongside ---
	// Retrieval is best effort and independent of the session record,
	// so it overlaps the store round-trip. The deferred Wait covers
	// early returns; request-context cancellation unblocks Retrieve.
	var passages []retrieval.Passage
	g, gctx := errgroup.WithContext(ctx)
	defer func() { _ = g.Wait() }()
	if h.retriever.Enabled() {
		g.Go(func() error {
			retrievalStart := time.Now()
			passages = h.retriever.Retrieve(gctx, req.Message, h.opts.RAGTopK, h.opts.RAGMinSimilarity)
			if h.metrics != nil {
				h.metrics.RecordRetrievalDuration(time.Since(retrievalStart).Seconds())
			}
			return nil
		})
	}

	sess, fresh, err := h.store.LoadOrCreate(ctx, req.SessionID, clientID)
	if err != nil {
		h.logger.Error("session load failed", "error", err)
		h.reject(c, pipe, http.StatusServiceUnavailable, "session store unavailable", observability.OutcomeUpstreamError)
		return
	}
	span.SetAttributes(
		attribute.String("chat.session_id", sess.ID),
		attribute.Bool("chat.session_fresh", fresh),
	)

	allowed, err = h.store.IncrementRate(ctx, session.RateScopeSession, sess.ID,
		session.HourBucket(now), h.opts.SessionRatePerHour, time.Hour)
	if err != nil || !allowed {
		h.rateLimited(c, pipe, session.RateScopeSession, secondsToNextHour(now))
		return
	}

	// --- 5. Open the stream ---
	SetSSEHeaders(c.Writer)
	c.Writer.Header().Set("X-Session-ID", sess.ID)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		h.reject(c, pipe, http.StatusInternalServerError, "streaming not supported", observability.OutcomeValidationError)
		return
	}

	stopKeepAlive := h.startKeepAlive(ctx, writer)
	defer stopKeepAlive()

	// --- 6. Collect retrieval results ---
	if h.retriever.Enabled() {
		_ = writer.WriteStatus(statusSearching)
		_ = g.Wait()
		if len(passages) > 0 {
			_ = writer.WriteSources(sourceInfos(passages))
		}
	}

	// --- 7. Budgeted context assembly ---
	systemPrompt := h.opts.SystemPrompt
	if block := retrieval.BuildContext(passages); block != "" {
		systemPrompt = systemPrompt + "\n\n" + block
	}

	budget := h.opts.MaxTokensContext - h.acct.CountMessage(systemPrompt) - h.acct.CountMessage(req.Message)
	if budget < 0 {
		budget = 0
	}
	if h.trimmer.Bound(ctx, sess, budget) {
		if h.metrics != nil {
			h.metrics.RecordSessionTrimmed()
		}
		if _, err := h.store.Replace(ctx, sess.ID, sess.Synopsis, sess.Turns); err != nil {
			h.logger.Warn("failed to persist trimmed session", "session_id", sess.ID, "error", err)
		}
	}

	messages := h.assembleMessages(systemPrompt, sess, req.Message)
	if err := pipe.Fire(TriggerContextReady); err != nil {
		h.internalError(c, err)
		return
	}

	// The user turn is stored before streaming so a crash mid-stream
	// never loses what the user said.
	userTurn := session.Turn{Role: "user", Content: req.Message, Timestamp: now}
	if _, err := h.store.Append(ctx, sess.ID, userTurn); err != nil {
		h.logger.Error("failed to persist user turn", "session_id", sess.ID, "error", err)
		_ = writer.WriteError("session store unavailable")
		h.finish(pipe, TriggerStreamStarted, TriggerDropped)
		h.recordOutcome(observability.OutcomeUpstreamError)
		return
	}

	// --- 8. Stream ---
	if h.metrics != nil {
		h.metrics.StreamStarted()
		defer h.metrics.StreamEnded()
	}
	if err := pipe.Fire(TriggerStreamStarted); err != nil {
		h.internalError(c, err)
		return
	}

	streamStart := time.Now()
	var assembled strings.Builder
	firstToken := true

	streamErr := h.llmClient.ChatStream(ctx, messages, llm.GenerationParams{}, func(ev llm.StreamEvent) error {
		if ev.Type != llm.StreamEventToken {
			return nil
		}
		clean, verdict := h.engine.SanitizeDelta(ev.Content)
		if verdict.Outcome == guardrail.OutcomeSanitize {
			h.recordGuardrail(verdict)
		}
		assembled.WriteString(clean)
		if clean == "" {
			return nil
		}
		if firstToken {
			firstToken = false
			if h.metrics != nil {
				h.metrics.RecordTimeToFirstToken(time.Since(streamStart).Seconds())
			}
		}
		return writer.WriteToken(clean)
	})
	stopKeepAlive()

	if streamErr != nil {
		h.streamFailed(c, pipe, writer, sess.ID, assembled.String(), streamErr, streamStart)
		return
	}
	if err := pipe.Fire(TriggerStreamFinished); err != nil {
		h.internalError(c, err)
		return
	}

	// --- 9. Output guardrail ---
	full := assembled.String()
	cleaned, verdict := h.engine.CheckOutput(full)
	assistantTurn := session.Turn{Role: "assistant", Content: cleaned, Timestamp: time.Now()}
	outcome := observability.OutcomeCompleted
	if verdict.Blocked() {
		h.recordGuardrail(verdict)
		assistantTurn.Content = guardrail.SafeResponse
		assistantTurn.Suspect = true
		outcome = observability.OutcomeBlockedOutput
		_ = writer.WriteNotice(noticeWithheld)
	}
	if err := pipe.Fire(TriggerOutputApplied); err != nil {
		h.internalError(c, err)
		return
	}

	// --- 10. Persist and close ---
	if _, err := h.store.Append(ctx, sess.ID, assistantTurn); err != nil {
		h.logger.Error("failed to persist assistant turn", "session_id", sess.ID, "error", err)
	}
	_ = pipe.Fire(TriggerPersisted)
	_ = writer.WriteDone(sess.ID)

	if h.metrics != nil {
		h.metrics.RecordStreamDuration(time.Since(streamStart).Seconds(), true)
		h.metrics.RecordTokens(h.acct.CountMessages(messageContents(messages)), h.acct.Count(full))
	}
	h.recordOutcome(outcome)
}

// =============================================================================
// Pipeline Steps
// =============================================================================

// blockedInputStream serves the canned safe response over SSE for inputs
// rejected by the guardrail. The session store is never touched: blocked
// messages leave no trace in conversation history.
func (h *streamHandler) blockedInputStream(c *gin.Context, pipe *Pipeline, sessionID string) {
	_ = pipe.Fire(TriggerRejected)

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "streaming not supported"})
		return
	}
	_ = writer.WriteToken(guardrail.SafeResponse)
	_ = writer.WriteDone(sessionID)
	h.recordOutcome(observability.OutcomeBlockedInput)
}

// streamFailed handles a mid-stream upstream failure or client
// disconnect. Any delivered partial text is persisted as an incomplete
// assistant turn so the transcript stays honest about what the user saw.
func (h *streamHandler) streamFailed(c *gin.Context, pipe *Pipeline, writer SSEWriter,
	sessionID, partial string, streamErr error, streamStart time.Time) {
	_ = pipe.Fire(TriggerDropped)

	disconnected := c.Request.Context().Err() != nil || errors.Is(streamErr, context.Canceled)
	if disconnected {
		h.logger.Info("client disconnected mid-stream",
			"session_id", sessionID,
			"partial_len", len(partial),
		)
		if h.metrics != nil {
			h.metrics.RecordClientDisconnect()
		}
	} else {
		h.logger.Error("upstream stream failed",
			"session_id", sessionID,
			"partial_len", len(partial),
			"error", streamErr,
		)
		_ = writer.WriteError("generation failed")
	}

	if partial != "" {
		// The request context is dead; use a detached context so the
		// partial turn still lands in the store.
		persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		turn := session.Turn{
			Role:       "assistant",
			Content:    partial,
			Timestamp:  time.Now(),
			Incomplete: true,
		}
		if _, err := h.store.Append(persistCtx, sessionID, turn); err != nil {
			h.logger.Error("failed to persist partial turn", "session_id", sessionID, "error", err)
		}
	}

	if h.metrics != nil {
		h.metrics.RecordStreamDuration(time.Since(streamStart).Seconds(), false)
	}
	if disconnected {
		h.recordOutcome(observability.OutcomeClientDisconnect)
	} else {
		h.recordOutcome(observability.OutcomeUpstreamError)
	}
}

// assembleMessages builds the upstream message list: system prompt,
// synopsis (as a system message), retained turns, then the new user
// message.
func (h *streamHandler) assembleMessages(systemPrompt string, sess *session.Session, userMsg string) []datatypes.Message {
	messages := make([]datatypes.Message, 0, len(sess.Turns)+3)
	if systemPrompt != "" {
		messages = append(messages, datatypes.Message{Role: "system", Content: systemPrompt})
	}
	if sess.Synopsis != "" {
		messages = append(messages, datatypes.Message{
			Role:    "system",
			Content: session.SynopsisPrefix + sess.Synopsis,
		})
	}
	for _, turn := range sess.ContextTurns() {
		messages = append(messages, datatypes.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, datatypes.Message{Role: "user", Content: userMsg})
	return messages
}

// startKeepAlive emits SSE comments on a ticker until stopped. The
// returned func is idempotent.
func (h *streamHandler) startKeepAlive(ctx context.Context, writer SSEWriter) func() {
	done := make(chan struct{})
	var once func()
	stopped := false
	once = func() {
		if !stopped {
			stopped = true
			close(done)
		}
	}
	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return once
}

// =============================================================================
// Rejection Helpers
// =============================================================================

func (h *streamHandler) reject(c *gin.Context, pipe *Pipeline, status int, msg string, outcome observability.Outcome) {
	_ = pipe.Fire(TriggerRejected)
	c.JSON(status, datatypes.ErrorResponse{Error: msg})
	h.recordOutcome(outcome)
}

// rateLimited sends a 429 with a Retry-After hint. Rate-store errors are
// treated as rejections: when the limiter cannot count, it cannot admit.
func (h *streamHandler) rateLimited(c *gin.Context, pipe *Pipeline, scope string, retryAfter int) {
	_ = pipe.Fire(TriggerRejected)
	if h.metrics != nil {
		h.metrics.RecordRateLimitRejection(scope)
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.JSON(http.StatusTooManyRequests, datatypes.ErrorResponse{Error: "rate limit exceeded"})
	h.recordOutcome(observability.OutcomeRateLimited)
}

func (h *streamHandler) internalError(c *gin.Context, err error) {
	h.logger.Error("pipeline ordering violation", "error", err)
	c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "internal error"})
}

// finish fires the remaining triggers, ignoring ordering errors. Used on
// paths that bail out after the stream was already opened.
func (h *streamHandler) finish(pipe *Pipeline, triggers ...PipelineTrigger) {
	for _, tr := range triggers {
		_ = pipe.Fire(tr)
	}
}

func (h *streamHandler) recordOutcome(outcome observability.Outcome) {
	if h.metrics != nil {
		h.metrics.RecordRequest(outcome)
	}
}

func (h *streamHandler) recordGuardrail(v guardrail.Verdict) {
	if h.metrics != nil {
		h.metrics.RecordGuardrailTrigger(string(v.Stage), v.Rule)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func sourceInfos(passages []retrieval.Passage) []datatypes.SourceInfo {
	infos := make([]datatypes.SourceInfo, 0, len(passages))
	for _, p := range passages {
		infos = append(infos, datatypes.SourceInfo{
			Source:   p.Source,
			FileType: p.FileType,
			Score:    p.Similarity,
		})
	}
	return infos
}

func messageContents(messages []datatypes.Message) []string {
	contents := make([]string, 0, len(messages))
	for _, m := range messages {
		contents = append(contents, m.Content)
	}
	return contents
}

func secondsToNextMinute(t time.Time) int {
	next := t.Truncate(time.Minute).Add(time.Minute)
	return int(next.Sub(t).Seconds()) + 1
}

func secondsToNextHour(t time.Time) int {
	next := t.Truncate(time.Hour).Add(time.Hour)
	return int(next.Sub(t).Seconds()) + 1
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamHandler = (*streamHandler)(nil)
