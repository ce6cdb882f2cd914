// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guardrail screens chat content at three checkpoints: inbound
// messages before any upstream call, streamed output deltas before they
// reach the client, and the fully assembled response after streaming
// completes.
//
// The three checkpoints exist because threats differ by timing:
// injection attempts arrive before generation, charset leakage arrives
// during generation, and prompt-leak is only visible once the full
// response is assembled.
package guardrail

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Rule Types
// =============================================================================

// Stage identifies which checkpoint a rule applies to.
type Stage string

const (
	StageInput  Stage = "input"
	StageStream Stage = "stream"
	StageOutput Stage = "output"
)

// Action is what happens when a rule matches.
type Action string

const (
	// ActionBlock rejects the content (input stage) or flags the turn
	// (output stage).
	ActionBlock Action = "block"

	// ActionSanitize substitutes matching content in place. Only valid
	// on the stream and output stages.
	ActionSanitize Action = "sanitize"
)

// Rule is one pattern matcher in the rule table.
//
// # Fields
//
//   - Label: Identifier reported in verdicts and logs.
//   - Stage: Checkpoint the rule runs at.
//   - Action: block or sanitize.
//   - Pattern: Case-insensitive substring, or an RE2 regular expression
//     when Regex is true.
//   - Replacement: Substitution text for sanitize rules (usually empty,
//     meaning strip).
//
// # Limitations
//
//   - Sanitize rules on the stream stage match within a single delta.
//     Patterns that could span a delta boundary (multi-character
//     phrases) belong on the output stage; stream patterns should use
//     single-rune character classes so sanitisation is stable across
//     arbitrary delta boundaries.
type Rule struct {
	Label       string `yaml:"label"`
	Stage       Stage  `yaml:"stage"`
	Action      Action `yaml:"action"`
	Pattern     string `yaml:"pattern"`
	Regex       bool   `yaml:"regex,omitempty"`
	Replacement string `yaml:"replacement,omitempty"`
}

// rulesFile is the YAML document shape for LoadRulesFile.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// =============================================================================
// Default Rule Set
// =============================================================================

// cjkPattern matches CJK codepoint runs: unified ideographs (base and
// extension A), CJK punctuation, hiragana, katakana, and hangul.
const cjkPattern = `[\x{4e00}-\x{9fff}\x{3400}-\x{4dbf}\x{3000}-\x{303f}\x{3040}-\x{309f}\x{30a0}-\x{30ff}\x{ac00}-\x{d7af}]+`

// DefaultRules returns the built-in rule table used when no rules file
// is configured.
func DefaultRules() []Rule {
	promptExtraction := []string{
		"system prompt", "your instructions", "your rules", "your configuration",
		"internal prompt", "original prompt", "initial prompt", "hidden prompt",
		"system message", "your prompt",
	}
	injection := []string{
		"ignore previous", "ignore above", "disregard previous", "disregard",
		"jailbreak", "override", "developer mode", "dan mode", "debug mode",
		"root access", "admin access", "sudo",
	}
	promptLeak := []string{
		"system prompt", "my instructions", "my prompt", "i am configured",
		"i was instructed", "## security", "## communication style",
		"critical language rule", "absolute rules", "non-negotiable",
	}

	rules := make([]Rule, 0, len(promptExtraction)+len(injection)+len(promptLeak)+1)
	for _, p := range promptExtraction {
		rules = append(rules, Rule{
			Label:   "prompt_extraction",
			Stage:   StageInput,
			Action:  ActionBlock,
			Pattern: p,
		})
	}
	for _, p := range injection {
		rules = append(rules, Rule{
			Label:   "injection",
			Stage:   StageInput,
			Action:  ActionBlock,
			Pattern: p,
		})
	}
	// Strip CJK runs from multilingual models that drift languages
	// mid-response.
	rules = append(rules, Rule{
		Label:   "cjk_strip",
		Stage:   StageStream,
		Action:  ActionSanitize,
		Pattern: cjkPattern,
		Regex:   true,
	})
	for _, p := range promptLeak {
		rules = append(rules, Rule{
			Label:   "prompt_leak",
			Stage:   StageOutput,
			Action:  ActionBlock,
			Pattern: p,
		})
	}
	return rules
}

// =============================================================================
// Rule Loading
// =============================================================================

// LoadRulesFile reads and validates a YAML rule table.
//
// The file must contain a top-level "rules" list. An empty or missing
// list is an error: silently running without guardrails is worse than
// failing startup.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var doc rulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s contains no rules", path)
	}
	for i, r := range doc.Rules {
		if err := validateRule(r); err != nil {
			return nil, fmt.Errorf("rules file %s, rule %d (%s): %w", path, i, r.Label, err)
		}
	}
	return doc.Rules, nil
}

// validateRule checks structural validity of one rule.
func validateRule(r Rule) error {
	if r.Pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	switch r.Stage {
	case StageInput:
		if r.Action != ActionBlock {
			return fmt.Errorf("input stage only supports block, got %q", r.Action)
		}
	case StageStream:
		if r.Action != ActionSanitize {
			return fmt.Errorf("stream stage only supports sanitize, got %q", r.Action)
		}
	case StageOutput:
		if r.Action != ActionBlock && r.Action != ActionSanitize {
			return fmt.Errorf("unknown action %q", r.Action)
		}
	default:
		return fmt.Errorf("unknown stage %q", r.Stage)
	}
	if r.Regex {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
	}
	if !r.Regex && r.Pattern != strings.ToLower(r.Pattern) {
		return fmt.Errorf("substring patterns must be lowercase (matching is case-insensitive)")
	}
	return nil
}
