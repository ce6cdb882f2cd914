// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tokens provides token counting for context window budgeting.
//
// Counts use the cl100k_base BPE vocabulary via tiktoken. When the
// encoding cannot be initialized (the vocabulary is fetched lazily on
// first use), the accountant degrades to a bytes/4 heuristic so that
// budgeting keeps working offline; heuristic counts are conservative
// approximations, not exact.
package tokens

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// encodingName is the BPE vocabulary used for all counts.
	encodingName = "cl100k_base"

	// messageOverhead is the fixed per-message token cost of chat
	// framing (role markers and separators).
	messageOverhead = 4
)

// Accountant counts tokens for prompt budgeting.
//
// # Thread Safety
//
// Accountant is safe for concurrent use. The underlying tiktoken
// encoder is stateless after construction.
type Accountant struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken

	// fallback is set once encoder initialization has failed; further
	// init attempts are skipped.
	fallback bool
	logger   *slog.Logger
}

// NewAccountant creates an Accountant.
//
// Encoder initialization is deferred to the first count so that
// construction never blocks on vocabulary download.
func NewAccountant(logger *slog.Logger) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accountant{logger: logger}
}

// Count returns the token count of text.
//
// Counting is monotonic under concatenation up to framing effects:
// budgeting callers treat counts as additive per message.
func (a *Accountant) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := a.encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// CountMessage returns the token cost of one chat message including
// the fixed per-message framing overhead.
func (a *Accountant) CountMessage(content string) int {
	return a.Count(content) + messageOverhead
}

// CountMessages returns the summed cost of a message sequence.
func (a *Accountant) CountMessages(contents []string) int {
	total := 0
	for _, c := range contents {
		total += a.CountMessage(c)
	}
	return total
}

// Fits reports whether a message sequence fits within budget.
func (a *Accountant) Fits(contents []string, budget int) bool {
	return a.CountMessages(contents) <= budget
}

// encoder returns the lazily initialized tiktoken encoder, or nil when
// operating in fallback mode.
func (a *Accountant) encoder() *tiktoken.Tiktoken {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enc != nil || a.fallback {
		return a.enc
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		a.logger.Warn("tiktoken encoding unavailable, using byte heuristic",
			"encoding", encodingName,
			"error", err,
		)
		a.fallback = true
		return nil
	}
	a.enc = enc
	return enc
}

// estimateTokens approximates the token count as ceil(bytes/4).
//
// English prose averages roughly four bytes per BPE token, which makes
// this a usable upper-bound-ish estimate for budget checks.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
