// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package status renders the transient in-flight indicator for a
// completion request: a spinner-prefixed message anchored to a tracked
// buffer position. The rendering itself is delegated to the host via a
// callback; this package owns the animation timer and its teardown.
package status

import (
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPilot/pkg/ux"
)

// Anchor reports the current line of the tracked position. Buffer
// marks satisfy this.
type Anchor interface {
	Line() int
}

// RenderFunc draws text at a line. An empty text means "remove the
// indicator".
type RenderFunc func(line int, text string)

// Option configures a Display.
type Option func(*Display)

// WithInterval overrides the frame advance interval.
func WithInterval(d time.Duration) Option {
	return func(s *Display) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithFrames overrides the spinner glyph set.
func WithFrames(frames []string) Option {
	return func(s *Display) {
		if len(frames) > 0 {
			s.frames = frames
		}
	}
}

// Display animates one request's status text.
//
// # Thread Safety
//
// Show, Update and Clear are safe to call from any goroutine. Clear is
// idempotent and guarantees the animation timer is stopped.
type Display struct {
	anchor   Anchor
	render   RenderFunc
	interval time.Duration
	frames   []string

	mu      sync.Mutex
	message string
	frame   int
	running bool
	stop    chan struct{}
	stopped chan struct{}
}

// New creates a display anchored at the given position.
func New(anchor Anchor, render RenderFunc, opts ...Option) *Display {
	s := &Display{
		anchor:   anchor,
		render:   render,
		interval: ux.SpinnerInterval,
		frames:   ux.SpinnerFrames,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Show renders the message and starts the spinner. Calling Show on a
// running display behaves like Update.
func (s *Display) Show(message string) {
	s.mu.Lock()
	if s.running {
		s.message = message
		s.mu.Unlock()
		s.redraw()
		return
	}
	s.message = message
	s.running = true
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	stop, stopped := s.stop, s.stopped
	s.mu.Unlock()

	s.redraw()
	go s.animate(stop, stopped)
}

// Update replaces the message without resetting the spinner phase.
func (s *Display) Update(message string) {
	s.mu.Lock()
	s.message = message
	running := s.running
	s.mu.Unlock()
	if running {
		s.redraw()
	}
}

// Clear stops the animation and removes the rendered text. Safe to
// call repeatedly; after it returns no timer is running.
func (s *Display) Clear() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, stopped := s.stop, s.stopped
	s.mu.Unlock()

	close(stop)
	<-stopped
	s.render(s.anchor.Line(), "")
}

func (s *Display) animate(stop, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.frame = (s.frame + 1) % len(s.frames)
			s.mu.Unlock()
			s.redraw()
		}
	}
}

func (s *Display) redraw() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	text := s.frames[s.frame] + " " + s.message
	s.mu.Unlock()
	s.render(s.anchor.Line(), text)
}
