// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the chat service.
//
// This file contains the request type for the streaming chat endpoint
// and the SSE event envelope. For session types, see session.go.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the hard upper bound on message size
	// accepted by the API regardless of configuration. The configured
	// per-deployment limit (CHAT_MAX_MESSAGE_LENGTH) may be lower but
	// never higher.
	MaxMessageContentBytes = 32 * 1024 // 32KB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) to prevent
// memory exhaustion with large payloads.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Message Types
// =============================================================================

// Message is a single conversation message in LLM wire format.
//
// Role is one of "system", "user", or "assistant". Content is the
// message text.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// =============================================================================
// Chat Request Types
// =============================================================================

// ChatRequest represents the body of a streaming chat request.
//
// # Description
//
// ChatRequest carries the user's message and an optional session ID for
// multi-turn conversation continuity. When SessionID is empty or refers
// to an expired session, the service creates a fresh session and
// returns its ID in the X-Session-ID response header and the final
// done event.
//
// # Fields
//
//   - Message: Required. The user's chat message. Limited to 32KB
//     (maxbytes) at the type level; the service additionally enforces
//     its configured character limit.
//   - SessionID: Optional. Identifier of an existing session.
//
// # Limitations
//
//   - Message history is never accepted from the client; retained
//     context always comes from the server-side session store.
type ChatRequest struct {
	Message   string `json:"message" validate:"required,maxbytes"`
	SessionID string `json:"session_id,omitempty"`
}

// Validate validates the ChatRequest fields.
//
// Call this after binding the JSON body.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// SSE Event Types
// =============================================================================

// Event type values used in the Type field of StreamEvent.
const (
	EventStatus = "status"
	EventToken  = "token"
	EventSource = "sources"
	EventNotice = "notice"
	EventError  = "error"
	EventDone   = "done"
)

// StreamEvent is the envelope for all SSE events emitted by the chat
// stream.
//
// # Description
//
// Every event carries a UUID, a creation timestamp, and a hash chain
// (Hash, PrevHash) that provides chain of custody for streamed content.
// Which content field is populated depends on Type:
//
//   - "status": Message
//   - "token": Content (one sanitized delta)
//   - "sources": Sources
//   - "notice": Message (e.g. output guardrail advisory)
//   - "error": Error (sanitized, no internal details)
//   - "done": SessionId
//
// # Assumptions
//
//   - Events are consumed in emission order; PrevHash links each event
//     to its predecessor.
type StreamEvent struct {
	Id        string       `json:"id"`
	Type      string       `json:"type"`
	CreatedAt int64        `json:"created_at"`
	Content   string       `json:"content,omitempty"`
	Message   string       `json:"message,omitempty"`
	Error     string       `json:"error,omitempty"`
	SessionId string       `json:"session_id,omitempty"`
	Sources   []SourceInfo `json:"sources,omitempty"`
	Hash      string       `json:"hash,omitempty"`
	PrevHash  string       `json:"prev_hash,omitempty"`
}

// SourceInfo describes one retrieved passage surfaced to the client.
//
// Score is cosine similarity in [-1, 1], rounded by the retrieval
// layer. Content is intentionally omitted; clients see provenance, not
// raw chunks.
type SourceInfo struct {
	Source   string  `json:"source"`
	FileType string  `json:"file_type,omitempty"`
	Score    float64 `json:"score"`
}

// =============================================================================
// Error Response Types
// =============================================================================

// ErrorResponse is the JSON body for non-streaming error replies
// (400, 401, 403, 429, 503).
type ErrorResponse struct {
	Error string `json:"error"`
}
