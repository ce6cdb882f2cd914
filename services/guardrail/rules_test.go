// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package guardrail

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRulesYAML = `rules:
  - label: competitor_mention
    stage: input
    action: block
    pattern: "acme corp"
  - label: cjk_strip
    stage: stream
    action: sanitize
    pattern: '[\x{4e00}-\x{9fff}]+'
    regex: true
  - label: internal_hostname
    stage: output
    action: block
    pattern: "db-internal"
`

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadRulesFile_ParsesValidYAML(t *testing.T) {
	t.Parallel()

	rules, err := LoadRulesFile(writeRulesFile(t, testRulesYAML))
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "competitor_mention", rules[0].Label)
	assert.Equal(t, StageInput, rules[0].Stage)
	assert.True(t, rules[1].Regex)
}

func TestLoadRulesFile_RejectsEmptyRuleList(t *testing.T) {
	t.Parallel()

	_, err := LoadRulesFile(writeRulesFile(t, "rules: []\n"))
	assert.Error(t, err)
}

func TestLoadRulesFile_RejectsInvalidRule(t *testing.T) {
	t.Parallel()

	bad := `rules:
  - label: broken
    stage: input
    action: sanitize
    pattern: "x"
`
	_, err := LoadRulesFile(writeRulesFile(t, bad))
	assert.Error(t, err)
}

func TestLoadRulesFile_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadRulesFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaultRules_Compile(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(DefaultRules(), nil)
	assert.NoError(t, err)
}

// TestWatchRulesFile_ReloadsOnWrite verifies the hot-reload path:
// rewriting the rules file swaps the active table without restart.
func TestWatchRulesFile_ReloadsOnWrite(t *testing.T) {
	t.Parallel()

	path := writeRulesFile(t, testRulesYAML)
	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	engine, err := NewEngine(rules, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		_ = engine.WatchRulesFile(ctx, path)
	}()

	// Let the watcher establish itself before writing.
	time.Sleep(100 * time.Millisecond)

	updated := `rules:
  - label: new_rule
    stage: input
    action: block
    pattern: "zorblat"
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))

	require.Eventually(t, func() bool {
		return engine.CheckInput("please zorblat this").Blocked()
	}, 2*time.Second, 20*time.Millisecond, "new rule should become active")

	assert.False(t, engine.CheckInput("acme corp pricing").Blocked(),
		"old rule should be gone after reload")

	cancel()
	<-watchDone
}

// TestWatchRulesFile_BadReloadKeepsTable verifies that a broken rewrite
// leaves the previous table serving.
func TestWatchRulesFile_BadReloadKeepsTable(t *testing.T) {
	t.Parallel()

	path := writeRulesFile(t, testRulesYAML)
	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	engine, err := NewEngine(rules, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.WatchRulesFile(ctx, path) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("rules: []\n"), 0600))
	time.Sleep(300 * time.Millisecond)

	assert.True(t, engine.CheckInput("acme corp pricing").Blocked(),
		"previous table should survive a failed reload")
}
