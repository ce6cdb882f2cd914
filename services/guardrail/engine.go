// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardrail

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
)

// SafeResponse is the canned reply used when content is blocked.
const SafeResponse = "I'm happy to help. What would you like to know?"

// =============================================================================
// Verdict Types
// =============================================================================

// Outcome is the result of running one checkpoint.
type Outcome string

const (
	OutcomeAllow    Outcome = "allow"
	OutcomeBlock    Outcome = "block"
	OutcomeSanitize Outcome = "sanitize"
)

// Verdict records the result of one checkpoint for one piece of
// content. Rule is empty when Outcome is allow.
type Verdict struct {
	Stage   Stage
	Outcome Outcome
	Rule    string
}

// Blocked reports whether the verdict rejects the content.
func (v Verdict) Blocked() bool { return v.Outcome == OutcomeBlock }

// =============================================================================
// Compiled Rule Table
// =============================================================================

// compiledRule is a Rule with its matcher prepared. Exactly one of
// substr or re is set.
type compiledRule struct {
	rule   Rule
	substr string
	re     *regexp.Regexp
}

func (c *compiledRule) matches(lowered string) bool {
	if c.re != nil {
		return c.re.MatchString(lowered)
	}
	return strings.Contains(lowered, c.substr)
}

// ruleTable holds compiled rules bucketed by stage. Immutable after
// construction; hot reload swaps the whole table.
type ruleTable struct {
	input  []compiledRule
	stream []compiledRule
	output []compiledRule
}

func compileTable(rules []Rule) (*ruleTable, error) {
	table := &ruleTable{}
	for i, r := range rules {
		if err := validateRule(r); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Label, err)
		}
		cr := compiledRule{rule: r}
		if r.Regex {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, r.Label, err)
			}
			cr.re = re
		} else {
			cr.substr = r.Pattern
		}
		switch r.Stage {
		case StageInput:
			table.input = append(table.input, cr)
		case StageStream:
			table.stream = append(table.stream, cr)
		case StageOutput:
			table.output = append(table.output, cr)
		}
	}
	return table, nil
}

// =============================================================================
// Engine
// =============================================================================

// Engine applies the rule table at the three checkpoints.
//
// # Thread Safety
//
// Safe for concurrent use. The rule table is held in an atomic pointer;
// Swap replaces it wholesale so in-flight checks always see a complete,
// consistent table.
type Engine struct {
	table  atomic.Pointer[ruleTable]
	logger *slog.Logger
}

// NewEngine compiles rules into an Engine. Returns an error if any
// rule fails validation or regex compilation.
func NewEngine(rules []Rule, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	table, err := compileTable(rules)
	if err != nil {
		return nil, err
	}
	e := &Engine{logger: logger}
	e.table.Store(table)
	return e, nil
}

// Swap atomically replaces the active rule table. On compile failure
// the previous table stays active and the error is returned.
func (e *Engine) Swap(rules []Rule) error {
	table, err := compileTable(rules)
	if err != nil {
		return err
	}
	e.table.Store(table)
	e.logger.Info("guardrail rule table swapped",
		"input_rules", len(table.input),
		"stream_rules", len(table.stream),
		"output_rules", len(table.output),
	)
	return nil
}

// CheckInput runs the input checkpoint against a raw inbound message.
//
// Matching is case-insensitive. On block, the caller must not store the
// turn or call upstream.
func (e *Engine) CheckInput(text string) Verdict {
	lowered := strings.ToLower(text)
	table := e.table.Load()
	for i := range table.input {
		cr := &table.input[i]
		if cr.matches(lowered) {
			e.logger.Warn("input guardrail triggered",
				"rule", cr.rule.Label,
				"pattern", cr.rule.Pattern,
			)
			return Verdict{Stage: StageInput, Outcome: OutcomeBlock, Rule: cr.rule.Label}
		}
	}
	return Verdict{Stage: StageInput, Outcome: OutcomeAllow}
}

// SanitizeDelta runs the stream checkpoint against one output delta.
//
// Returns the delta with matching content substituted in place, and a
// sanitize verdict when anything changed. Substitution happens per
// delta; the default rule set only uses single-rune character classes
// so the result is identical no matter where delta boundaries fall.
func (e *Engine) SanitizeDelta(delta string) (string, Verdict) {
	out := delta
	verdict := Verdict{Stage: StageStream, Outcome: OutcomeAllow}
	table := e.table.Load()
	for i := range table.stream {
		cr := &table.stream[i]
		replaced := cr.replaceAll(out)
		if replaced != out {
			out = replaced
			verdict = Verdict{Stage: StageStream, Outcome: OutcomeSanitize, Rule: cr.rule.Label}
		}
	}
	return out, verdict
}

// CheckOutput runs the output checkpoint against the fully assembled
// response.
//
// Stream-stage sanitisation is re-applied to the whole text first (a
// rule added mid-stream must still cover earlier content), then output
// block rules run against the lowercased result. On block, the caller
// substitutes SafeResponse in the stored turn and flags it; content
// already streamed cannot be recalled.
func (e *Engine) CheckOutput(text string) (string, Verdict) {
	clean := text
	table := e.table.Load()
	for i := range table.stream {
		clean = table.stream[i].replaceAll(clean)
	}
	for i := range table.output {
		cr := &table.output[i]
		if cr.rule.Action == ActionSanitize {
			clean = cr.replaceAll(clean)
		}
	}

	lowered := strings.ToLower(clean)
	for i := range table.output {
		cr := &table.output[i]
		if cr.rule.Action != ActionBlock {
			continue
		}
		if cr.matches(lowered) {
			e.logger.Warn("output guardrail triggered",
				"rule", cr.rule.Label,
				"pattern", cr.rule.Pattern,
			)
			return clean, Verdict{Stage: StageOutput, Outcome: OutcomeBlock, Rule: cr.rule.Label}
		}
	}
	if clean != text {
		return clean, Verdict{Stage: StageOutput, Outcome: OutcomeSanitize}
	}
	return clean, Verdict{Stage: StageOutput, Outcome: OutcomeAllow}
}

// replaceAll applies the rule's substitution to text.
func (c *compiledRule) replaceAll(text string) string {
	if c.re != nil {
		return c.re.ReplaceAllString(text, c.rule.Replacement)
	}
	// Substring sanitize rules match case-insensitively like block
	// rules do.
	if c.rule.Replacement == "" && !strings.Contains(strings.ToLower(text), c.substr) {
		return text
	}
	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(c.substr))
	return re.ReplaceAllString(text, c.rule.Replacement)
}
