// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides clients for OpenAI-compatible LLM backends.
package llm

import (
	"context"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// GenerationParams carries optional sampling parameters. A nil field
// means "use the backend default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// =============================================================================
// Streaming Types
// =============================================================================

// StreamEventType discriminates streaming events.
type StreamEventType int

const (
	// StreamEventToken carries one content delta from the backend.
	StreamEventToken StreamEventType = iota

	// StreamEventError signals a mid-stream failure. Content already
	// delivered remains valid.
	StreamEventError
)

// StreamEvent is a single event delivered to a StreamCallback.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Err     error
}

// StreamCallback is called for each token or event during streaming.
//
// # Description
//
// StreamCallback receives content deltas as they are generated by the
// LLM. Return an error to abort streaming (e.g., on client disconnect);
// the abort error is propagated out of ChatStream unchanged.
//
// # Assumptions
//
//   - Called in token order, from a single goroutine.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Client Interface
// =============================================================================

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate produces text from a single prompt with an implicit
	// system persona.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat conducts a conversation with full message history and
	// returns the complete response.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)

	// ChatStream streams a conversation response delta-by-delta via
	// callback. Returns nil on normal termination, ctx.Err() on
	// cancellation, and a wrapped transport error if the upstream
	// connection drops mid-stream (after an error event has been
	// delivered to the callback).
	ChatStream(ctx context.Context, messages []datatypes.Message,
		params GenerationParams, callback StreamCallback) error
}
