// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package completion implements the editor-side completion engine: an
// orchestrator that tracks in-flight requests against a concurrency
// ceiling, drives the streamed event protocol from the pilotd backend,
// and inserts finished completions into a line buffer.
package completion

import "sync"

// Buffer is an in-memory line buffer with marks that shift under
// edits, the analog of a host editor's buffer plus marker facility.
// Lines are addressed 0-based.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	marks map[*Mark]struct{}
}

// NewBuffer creates a buffer with a copy of lines.
func NewBuffer(lines []string) *Buffer {
	copied := make([]string, len(lines))
	copy(copied, lines)
	return &Buffer{
		lines: copied,
		marks: make(map[*Mark]struct{}),
	}
}

// Lines returns a copy of the buffer content.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// LineCount returns the number of lines.
func (b *Buffer) LineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Line returns line i, or false when i is out of range.
func (b *Buffer) Line(i int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.lines) {
		return "", false
	}
	return b.lines[i], true
}

// SetLines replaces the half-open line range [start, end) with
// replacement. The range is clamped to the buffer; marks shift to
// track their surrounding text.
func (b *Buffer) SetLines(start, end int, replacement []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start = clamp(start, 0, len(b.lines))
	end = clamp(end, start, len(b.lines))

	updated := make([]string, 0, len(b.lines)-(end-start)+len(replacement))
	updated = append(updated, b.lines[:start]...)
	updated = append(updated, replacement...)
	updated = append(updated, b.lines[end:]...)
	b.lines = updated

	delta := len(replacement) - (end - start)
	for m := range b.marks {
		switch {
		case m.line >= end:
			m.line += delta
		case m.line >= start:
			// The marked line was replaced; pin to the edit site.
			last := start
			if len(replacement) > 0 {
				last = start + len(replacement) - 1
			}
			if m.line > last {
				m.line = last
			}
		}
	}
}

// CreateMark places a mark on the given line. The mark tracks the line
// through subsequent edits until released.
func (b *Buffer) CreateMark(line int) *Mark {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := &Mark{buf: b, line: clamp(line, 0, max(0, len(b.lines)-1))}
	b.marks[m] = struct{}{}
	return m
}

// Mark is a position that shifts with buffer edits.
type Mark struct {
	buf  *Buffer
	line int
}

// Line returns the mark's current 0-based line.
func (m *Mark) Line() int {
	m.buf.mu.Lock()
	defer m.buf.mu.Unlock()
	return m.line
}

// Release detaches the mark from its buffer.
func (m *Mark) Release() {
	m.buf.mu.Lock()
	defer m.buf.mu.Unlock()
	delete(m.buf.marks, m)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
