// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/llm"
)

// summarizePromptPrefix is the fixed compression instruction sent with
// the transcript.
const summarizePromptPrefix = "Summarise this conversation concisely, preserving key facts, " +
	"decisions, and technical details. Keep it under 500 words:\n\n"

// SynopsisPrefix labels the rolling summary when it is injected into a
// conversation as a system message.
const SynopsisPrefix = "[Previous conversation summary]: "

// Summarizer compresses old conversation turns into a rolling
// synopsis via a non-streaming upstream call.
//
// Summarisation is a best-effort optimisation: callers fall back to
// truncation when it fails, never failing the turn.
type Summarizer struct {
	llm    llm.LLMClient
	logger *slog.Logger
}

// NewSummarizer creates a Summarizer on an LLM client.
func NewSummarizer(client llm.LLMClient, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{llm: client, logger: logger}
}

// Summarize produces a new synopsis covering the existing synopsis
// plus the turns being compressed.
//
// The upstream call runs non-streaming at low temperature with a hard
// output cap; the result replaces the session's synopsis.
func (s *Summarizer) Summarize(ctx context.Context, synopsis string, turns []Turn) (string, error) {
	var b strings.Builder
	if synopsis != "" {
		fmt.Fprintf(&b, "system: %s%s\n", SynopsisPrefix, synopsis)
	}
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}

	temperature := float32(0.3)
	maxTokens := 1024
	result, err := s.llm.Generate(ctx, summarizePromptPrefix+b.String(), llm.GenerationParams{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize conversation: %w", err)
	}
	result = strings.TrimSpace(result)
	if result == "" {
		return "", fmt.Errorf("summarize conversation: empty result")
	}

	s.logger.Info("conversation summarised",
		"turns_compressed", len(turns),
		"synopsis_chars", len(result),
	)
	return result, nil
}
