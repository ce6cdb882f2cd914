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
	"log/slog"

	"github.com/AleutianAI/AleutianChat/services/tokens"
)

// keepRecentTurns is how many of the newest turns survive
// summarisation verbatim.
const keepRecentTurns = 6

// Trimmer bounds a session's context cost to a token budget.
//
// Strategy, in order: if the history fits, do nothing. Otherwise
// compress everything but the newest turns into the synopsis via the
// Summarizer; if summarisation fails, fall back to dropping the old
// turns outright (the previous synopsis, if any, is kept). Finally,
// drop oldest retained turns one at a time until the budget holds,
// always keeping at least one turn.
type Trimmer struct {
	acct       *tokens.Accountant
	summarizer *Summarizer
	logger     *slog.Logger
}

// NewTrimmer creates a Trimmer. summarizer may be nil, which disables
// compression and goes straight to truncation.
func NewTrimmer(acct *tokens.Accountant, summarizer *Summarizer, logger *slog.Logger) *Trimmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trimmer{acct: acct, summarizer: summarizer, logger: logger}
}

// Cost returns the context cost in tokens of synopsis plus turns.
func (t *Trimmer) Cost(synopsis string, turns []Turn) int {
	total := 0
	if synopsis != "" {
		total += t.acct.CountMessage(synopsis)
	}
	for i := range turns {
		total += t.TurnCost(&turns[i])
	}
	return total
}

// TurnCost returns the cached token cost of a turn, computing and
// caching it when absent.
func (t *Trimmer) TurnCost(turn *Turn) int {
	if turn.Tokens <= 0 {
		turn.Tokens = t.acct.CountMessage(turn.Content)
	}
	return turn.Tokens
}

// Bound mutates sess in place until Cost(synopsis, turns) <= budget.
//
// Returns true when anything changed; the caller is responsible for
// persisting the updated session. Bound never fails: summarisation
// errors degrade to truncation.
func (t *Trimmer) Bound(ctx context.Context, sess *Session, budget int) bool {
	if t.Cost(sess.Synopsis, sess.Turns) <= budget {
		return false
	}

	t.logger.Info("session over token budget, trimming",
		"session_id", sess.ID,
		"turns", len(sess.Turns),
		"budget", budget,
	)

	var old, recent []Turn
	if len(sess.Turns) > keepRecentTurns {
		old = sess.Turns[:len(sess.Turns)-keepRecentTurns]
		recent = sess.Turns[len(sess.Turns)-keepRecentTurns:]
	} else {
		recent = sess.Turns
	}

	if len(old) > 0 {
		if t.summarizer != nil {
			synopsis, err := t.summarizer.Summarize(ctx, sess.Synopsis, old)
			if err != nil {
				t.logger.Error("summarisation failed, truncating instead",
					"session_id", sess.ID,
					"error", err,
				)
			} else {
				sess.Synopsis = synopsis
			}
		}
		// Old turns leave history either way: compressed into the
		// synopsis on success, dropped on failure.
		sess.Turns = append([]Turn(nil), recent...)
	}

	for t.Cost(sess.Synopsis, sess.Turns) > budget && len(sess.Turns) > 1 {
		sess.Turns = sess.Turns[1:]
	}
	return true
}
