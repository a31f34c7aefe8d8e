// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the settings file and re-resolves settings on change.
//
// # Description
//
// Detects external edits to the settings file (editor :w, dotfile sync)
// and invokes the callback with the freshly resolved settings. Requests
// already in flight keep the configuration they were dispatched with;
// only subsequent requests pick up the new values.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type Watcher struct {
	path     string
	ov       *Overrides
	watcher  *fsnotify.Watcher
	callback func(*Settings)
}

// NewWatcher creates a watcher for the settings file at path.
//
// # Inputs
//
//   - path: Settings file path (~ expansion supported).
//   - ov: Explicit overrides re-applied on every reload (may be nil).
//   - callback: Invoked with the re-resolved settings after each change.
//
// # Outputs
//
//   - *Watcher: Ready-to-start watcher.
//   - error: Non-nil if watcher creation fails.
func NewWatcher(path string, ov *Overrides, callback func(*Settings)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:     expandPath(path),
		ov:       ov,
		watcher:  watcher,
		callback: callback,
	}, nil
}

// Start begins watching for settings changes.
//
// Watches the containing directory (editors replace files on save, so
// watching the path directly misses rename-based writes). Blocks until
// the context is cancelled; run in a goroutine.
//
//	w, _ := config.NewWatcher(path, nil, orch.UpdateSettings)
//	go w.Start(ctx)
func (w *Watcher) Start(ctx context.Context) {
	defer w.watcher.Close()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		slog.Warn("failed to watch settings directory", "dir", dir, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			settings, err := Load(w.path, w.ov)
			if err != nil {
				// Keep the previous settings on a bad edit.
				slog.Warn("settings reload failed", "path", w.path, "error", err)
				continue
			}
			slog.Info("settings reloaded", "path", w.path, "provider", settings.Provider)
			w.callback(settings)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("settings watcher error", "error", err)
		}
	}
}
