// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package context builds the grounding text sent with a completion
// request: a bounded window of buffer lines around the cursor plus an
// optional, best-effort list of symbol signatures.
package context

import (
	"context"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianPilot/services/completion/ast"
)

// Window is the extracted context around a cursor position.
type Window struct {
	// Before holds up to the configured number of lines preceding the
	// cursor line, in buffer order.
	Before []string

	// Current is the cursor line itself.
	Current string

	// After holds up to the configured number of lines following the
	// cursor line.
	After []string

	// Symbols holds declaration signatures extracted from the buffer,
	// empty unless symbol extraction is enabled and succeeds.
	Symbols []string
}

// Text renders the window as the prompt context block.
func (w Window) Text() string {
	var b strings.Builder
	if len(w.Symbols) > 0 {
		b.WriteString("Symbols in this file:\n")
		for _, sig := range w.Symbols {
			b.WriteString("- ")
			b.WriteString(sig)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	lines := make([]string, 0, len(w.Before)+1+len(w.After))
	lines = append(lines, w.Before...)
	lines = append(lines, w.Current)
	lines = append(lines, w.After...)
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithSymbols enables signature extraction via the given extractor.
func WithSymbols(extractor *ast.Extractor) Option {
	return func(e *Extractor) { e.symbols = extractor }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Extractor) { e.log = log }
}

// Extractor extracts bounded context windows.
type Extractor struct {
	before  int
	after   int
	symbols *ast.Extractor
	log     *slog.Logger
}

// NewExtractor creates an extractor taking up to before lines above
// and after lines below the cursor. Negative sizes are treated as 0.
func NewExtractor(before, after int, opts ...Option) *Extractor {
	if before < 0 {
		before = 0
	}
	if after < 0 {
		after = 0
	}
	e := &Extractor{before: before, after: after, log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the window around cursorLine (0-based). Out-of-range
// windows clamp to the buffer bounds; Extract never fails. Symbol
// extraction is best-effort: parse problems degrade to an empty list.
func (e *Extractor) Extract(ctx context.Context, lines []string, cursorLine int, lang ast.Language) Window {
	if len(lines) == 0 {
		return Window{}
	}
	if cursorLine < 0 {
		cursorLine = 0
	}
	if cursorLine >= len(lines) {
		cursorLine = len(lines) - 1
	}

	start := cursorLine - e.before
	if start < 0 {
		start = 0
	}
	end := cursorLine + e.after + 1
	if end > len(lines) {
		end = len(lines)
	}

	w := Window{
		Before:  append([]string(nil), lines[start:cursorLine]...),
		Current: lines[cursorLine],
		After:   append([]string(nil), lines[cursorLine+1:end]...),
	}

	if e.symbols != nil && lang != "" {
		content := []byte(strings.Join(lines, "\n"))
		symbols, err := e.symbols.Symbols(ctx, content, lang)
		if err != nil {
			e.log.Debug("symbol extraction skipped", "language", lang, "error", err)
		} else {
			for _, s := range symbols {
				w.Symbols = append(w.Symbols, s.Signature)
			}
		}
	}
	return w
}
