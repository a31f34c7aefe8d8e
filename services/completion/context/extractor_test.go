// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package context

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianPilot/services/completion/ast"
)

func numberedLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i)
	}
	return lines
}

func TestExtract_ExactWindowSizes(t *testing.T) {
	// With enough lines on both sides the window is exactly before/after.
	e := NewExtractor(5, 3)
	w := e.Extract(context.Background(), numberedLines(100), 50, "")

	if len(w.Before) != 5 {
		t.Errorf("expected exactly 5 before lines, got %d", len(w.Before))
	}
	if len(w.After) != 3 {
		t.Errorf("expected exactly 3 after lines, got %d", len(w.After))
	}
	if w.Current != "line 50" {
		t.Errorf("unexpected current line: %q", w.Current)
	}
	if w.Before[0] != "line 45" || w.Before[4] != "line 49" {
		t.Errorf("unexpected before window: %v", w.Before)
	}
	if w.After[0] != "line 51" || w.After[2] != "line 53" {
		t.Errorf("unexpected after window: %v", w.After)
	}
}

func TestExtract_Clamping(t *testing.T) {
	tests := []struct {
		name       string
		lineCount  int
		cursor     int
		before     int
		after      int
		wantBefore int
		wantAfter  int
	}{
		{"cursor at top", 10, 0, 5, 5, 0, 5},
		{"cursor at bottom", 10, 9, 5, 5, 5, 0},
		{"window larger than buffer", 3, 1, 50, 20, 1, 1},
		{"cursor past end clamps", 3, 99, 2, 2, 2, 0},
		{"negative cursor clamps", 3, -1, 2, 2, 0, 2},
		{"single line", 1, 0, 50, 20, 0, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := NewExtractor(tc.before, tc.after)
			w := e.Extract(context.Background(), numberedLines(tc.lineCount), tc.cursor, "")
			if len(w.Before) != tc.wantBefore {
				t.Errorf("before: got %d, want %d", len(w.Before), tc.wantBefore)
			}
			if len(w.After) != tc.wantAfter {
				t.Errorf("after: got %d, want %d", len(w.After), tc.wantAfter)
			}
		})
	}
}

func TestExtract_EmptyBuffer(t *testing.T) {
	e := NewExtractor(5, 5)
	w := e.Extract(context.Background(), nil, 0, "")
	if len(w.Before) != 0 || len(w.After) != 0 || w.Current != "" {
		t.Errorf("expected an empty window, got %+v", w)
	}
}

func TestExtract_SymbolsIncluded(t *testing.T) {
	source := []string{
		"package example",
		"",
		"func Add(a, b int) int {",
		"\treturn a + b",
		"}",
	}
	e := NewExtractor(2, 2, WithSymbols(ast.NewExtractor()))
	w := e.Extract(context.Background(), source, 3, ast.LangGo)

	if len(w.Symbols) == 0 {
		t.Fatal("expected extracted symbols")
	}
	if w.Symbols[0] != "func Add(a, b int) int" {
		t.Errorf("unexpected signature: %q", w.Symbols[0])
	}
}

func TestExtract_SymbolFailureDegrades(t *testing.T) {
	// Unknown language: extraction errors internally, window still works.
	e := NewExtractor(1, 1, WithSymbols(ast.NewExtractor()))
	w := e.Extract(context.Background(), []string{"a", "b", "c"}, 1, ast.Language("lua"))
	if len(w.Symbols) != 0 {
		t.Errorf("expected no symbols, got %v", w.Symbols)
	}
	if w.Current != "b" {
		t.Errorf("window extraction must still succeed, got %+v", w)
	}
}

func TestWindowText(t *testing.T) {
	w := Window{
		Before:  []string{"a"},
		Current: "b",
		After:   []string{"c"},
		Symbols: []string{"func A()", "func B()"},
	}
	text := w.Text()

	if !strings.HasPrefix(text, "Symbols in this file:\n- func A()\n- func B()\n\n") {
		t.Errorf("unexpected symbols header:\n%s", text)
	}
	if !strings.HasSuffix(text, "a\nb\nc") {
		t.Errorf("unexpected code block:\n%s", text)
	}

	plain := Window{Before: []string{"x"}, Current: "y"}
	if plain.Text() != "x\ny" {
		t.Errorf("unexpected plain text: %q", plain.Text())
	}
}
