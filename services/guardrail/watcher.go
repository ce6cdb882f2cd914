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
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchRulesFile reloads the rule table whenever the YAML file at path
// changes, until ctx is cancelled.
//
// # Description
//
// The parent directory is watched rather than the file itself so that
// editors and config-management tools that replace the file atomically
// (write temp + rename) still trigger a reload. A reload that fails to
// parse or validate leaves the previous table active and is logged at
// error level; the watcher keeps running.
//
// Run this in its own goroutine:
//
//	go func() {
//	    if err := engine.WatchRulesFile(ctx, rulesPath); err != nil {
//	        logger.Error("guardrail watcher stopped", "error", err)
//	    }
//	}()
//
// # Outputs
//
//   - error: Non-nil if the watcher could not be established. Returns
//     nil when ctx is cancelled.
func (e *Engine) WatchRulesFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch rules dir %s: %w", dir, err)
	}
	target := filepath.Clean(path)
	e.logger.Info("watching guardrail rules file", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("rules watcher closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			rules, err := LoadRulesFile(target)
			if err != nil {
				e.logger.Error("guardrail rules reload failed, keeping previous table",
					"path", target,
					"error", err,
				)
				continue
			}
			if err := e.Swap(rules); err != nil {
				e.logger.Error("guardrail rules reload failed, keeping previous table",
					"path", target,
					"error", err,
				)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("rules watcher closed")
			}
			e.logger.Warn("rules watcher error", "error", err)
		}
	}
}
