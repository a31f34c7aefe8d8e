// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ast extracts symbol signatures and implementations from
// source text using tree-sitter. It backs two best-effort features:
// the context extractor's symbol list and the buffer-level step of
// get_implementation resolution. Callers must tolerate empty results;
// parse failures degrade, they never fail a completion request.
package ast

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrUnsupportedLanguage is returned when no grammar is available for
// the requested language.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// ErrInvalidContent is returned when input is not valid UTF-8.
var ErrInvalidContent = errors.New("invalid content")

// DefaultMaxFileSize is the maximum content size the extractor will
// accept (10MB). Buffers larger than this skip symbol extraction.
const DefaultMaxFileSize = 10 * 1024 * 1024

// Language selects a tree-sitter grammar.
type Language string

const (
	LangGo     Language = "go"
	LangPython Language = "python"
)

// DetectLanguage maps a file path to a supported Language. The second
// return is false when the extension is not recognized.
func DetectLanguage(path string) (Language, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return LangGo, true
	case ".py", ".pyi":
		return LangPython, true
	default:
		return "", false
	}
}

// SymbolKind classifies extracted symbols.
type SymbolKind string

const (
	SymbolKindFunction SymbolKind = "function"
	SymbolKindMethod   SymbolKind = "method"
	SymbolKindClass    SymbolKind = "class"
	SymbolKindType     SymbolKind = "type"
)

// Symbol is one extracted declaration.
type Symbol struct {
	Name string
	Kind SymbolKind

	// Signature is the declaration header without its body, e.g.
	// "func Load(path string) (*Settings, error)" or
	// "def helper(x):".
	Signature string

	// StartLine and EndLine are 1-based and inclusive.
	StartLine int
	EndLine   int

	// Byte range of the full declaration (decorators included), used
	// by Implementation lookups.
	startByte uint32
	endByte   uint32
}
