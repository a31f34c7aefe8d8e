// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package completion

import (
	"errors"
	"log/slog"
)

// ErrConcurrencyLimit is returned when a new request would exceed the
// configured ceiling. Nothing is allocated for the rejected request.
var ErrConcurrencyLimit = errors.New("too many in-flight completion requests")

// ErrTimeout marks a request that hit its deadline before a terminal
// event arrived.
var ErrTimeout = errors.New("completion request timed out")

// Notifier is the host's non-blocking notification surface. All
// user-visible failures go through it; none halt the session.
type Notifier interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// slogNotifier reports through the structured log, the default when
// the host does not provide its own surface.
type slogNotifier struct {
	log *slog.Logger
}

func (n slogNotifier) Info(msg string)  { n.log.Info(msg) }
func (n slogNotifier) Warn(msg string)  { n.log.Warn(msg) }
func (n slogNotifier) Error(msg string) { n.log.Error(msg) }
