// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes the chat event stream to an HTTP response.
//
// # Description
//
// Every event leaves the writer with four fields filled in: a UUID Id,
// a millisecond CreatedAt timestamp, a SHA-256 Hash over the event's
// content, and PrevHash linking it to the event before it. A client
// that replays the stream can therefore verify nothing was inserted,
// dropped, or reordered after the fact.
//
// # Thread Safety
//
// Safe for concurrent use; the keepalive ticker and the token path
// write from different goroutines.
//
// # Assumptions
//
//   - SetSSEHeaders ran before the first write
//   - One writer per request; the chain is not resettable
type SSEWriter interface {
	// WriteEvent emits one event, filling in Id, CreatedAt, Hash, and
	// PrevHash, and flushes it to the client.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus emits a progress message such as
	// "Searching knowledge base...".
	WriteStatus(message string) error

	// WriteToken emits one sanitized content delta. Deltas go out in
	// arrival order, unbatched.
	WriteToken(content string) error

	// WriteNotice emits an advisory: the service intervened in the
	// response (for example the completed reply was withheld by a
	// safety check) but the stream itself is not failing.
	WriteNotice(message string) error

	// WriteSources emits the retrieved passages backing this answer,
	// ordered by score.
	WriteSources(sources []datatypes.SourceInfo) error

	// WriteError emits a terminal error. Callers pass a client-safe
	// message; upstream detail stays in the logs.
	WriteError(errMsg string) error

	// WriteDone closes out the stream, carrying the session ID the
	// client should reuse on the next turn. Once per stream.
	WriteDone(sessionID string) error

	// WriteKeepAlive emits an SSE comment to hold idle proxies open.
	// Comments never enter the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter is the production SSEWriter. prevHash carries the chain
// between writes; the mutex orders concurrent writers so the chain
// never forks.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

var _ SSEWriter = (*sseWriter)(nil)

// NewSSEWriter wraps a ResponseWriter for event streaming.
//
// # Outputs
//
//   - error: Non-nil when w cannot flush (no http.Flusher), in which
//     case streaming is impossible and the caller should fall back to
//     a plain error response.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// WriteEvent stamps the event, advances the hash chain, and flushes
// the `event: <type>\ndata: <json>\n\n` frame.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = eventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventStatus, Message: message})
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventToken, Content: content})
}

func (w *sseWriter) WriteNotice(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventNotice, Message: message})
}

func (w *sseWriter) WriteSources(sources []datatypes.SourceInfo) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventSource, Sources: sources})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventError, Error: errMsg})
}

func (w *sseWriter) WriteDone(sessionID string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventDone, SessionId: sessionID})
}

// WriteKeepAlive emits ": ping\n\n". Bypasses the chain on purpose:
// comments are transport noise, not content.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// eventHash is SHA-256 over the pipe-joined event fields. Sources are
// folded in as their JSON encoding so the passage list is covered by
// the same digest as the text.
func eventHash(event datatypes.StreamEvent) string {
	sourcesJSON := ""
	if len(event.Sources) > 0 {
		if data, err := json.Marshal(event.Sources); err == nil {
			sourcesJSON = string(data)
		}
	}

	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.Error,
		event.SessionId,
		sourcesJSON,
	)

	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// SetSSEHeaders puts the response into streaming mode: event-stream
// content type, caching off, connection held open, and nginx/ALB
// buffering disabled. Must run before the first body write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
