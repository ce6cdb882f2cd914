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
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// parseEvents extracts the JSON payloads from an SSE body, skipping
// comment lines.
func parseEvents(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestSSEWriter_WireFormat(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteToken("hello"))

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: token\ndata: "))
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}

func TestSSEWriter_EventMetadataPopulated(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteStatus("working"))

	events := parseEvents(t, w.Body.String())
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].Id)
	assert.NotZero(t, events[0].CreatedAt)
	assert.NotEmpty(t, events[0].Hash)
	assert.Empty(t, events[0].PrevHash, "first event has no predecessor")
	assert.Equal(t, "working", events[0].Message)
}

func TestSSEWriter_HashChainLinks(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteStatus("start"))
	require.NoError(t, writer.WriteToken("a"))
	require.NoError(t, writer.WriteToken("b"))
	require.NoError(t, writer.WriteDone("sess-1"))

	events := parseEvents(t, w.Body.String())
	require.Len(t, events, 4)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Hash, events[i].PrevHash,
			"event %d must link to its predecessor", i)
	}
}

func TestSSEWriter_HashIsVerifiable(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	sources := []datatypes.SourceInfo{{Source: "doc.md", FileType: "md", Score: 0.91}}
	require.NoError(t, writer.WriteSources(sources))

	events := parseEvents(t, w.Body.String())
	require.Len(t, events, 1)
	ev := events[0]

	sourcesJSON, err := json.Marshal(ev.Sources)
	require.NoError(t, err)
	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s",
		ev.Id, ev.Type, ev.CreatedAt, ev.PrevHash,
		ev.Content, ev.Message, ev.Error, ev.SessionId, string(sourcesJSON))
	sum := sha256.Sum256([]byte(hashInput))

	assert.Equal(t, hex.EncodeToString(sum[:]), ev.Hash,
		"a client can recompute the hash from the event fields")
}

func TestSSEWriter_KeepAliveIsComment(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteKeepAlive())
	require.NoError(t, writer.WriteToken("x"))

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, ": ping\n\n"))

	events := parseEvents(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Empty(t, events[0].PrevHash, "keepalives do not enter the hash chain")
}

func TestSSEWriter_DoneCarriesSessionID(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteDone("sess-42"))

	events := parseEvents(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, datatypes.EventDone, events[0].Type)
	assert.Equal(t, "sess-42", events[0].SessionId)
}

func TestSetSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetSSEHeaders(w)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
}

func TestSSEWriter_ConcurrentWritesKeepChainIntact(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			_ = writer.WriteToken(fmt.Sprintf("t%d", n))
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	events := parseEvents(t, w.Body.String())
	require.Len(t, events, 10)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Hash, events[i].PrevHash)
	}
}
