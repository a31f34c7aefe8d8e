// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"
)

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithMaxFileSize sets the maximum content size the extractor accepts.
func WithMaxFileSize(bytes int64) ExtractorOption {
	return func(e *Extractor) {
		if bytes > 0 {
			e.maxFileSize = bytes
		}
	}
}

// Extractor parses source text and extracts declarations.
//
// # Thread Safety
//
// Extractor instances are safe for concurrent use. Each call creates
// its own tree-sitter parser internally.
type Extractor struct {
	maxFileSize int64
}

// NewExtractor creates an Extractor with default limits.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Symbols extracts top-level declarations from content.
//
// # Inputs
//
//   - ctx: Checked before and after the parse; tree-sitter itself
//     cannot be interrupted mid-parse.
//   - content: Source text. Must be valid UTF-8.
//   - lang: Grammar to use.
//
// # Outputs
//
//   - []Symbol: Declarations in source order. May be empty. Partial
//     results are returned for syntactically invalid input.
//   - error: Non-nil only for unusable input (size, encoding, grammar)
//     or cancellation.
func (e *Extractor) Symbols(ctx context.Context, content []byte, lang Language) ([]Symbol, error) {
	start := time.Now()
	ctx, span := startExtractSpan(ctx, string(lang), len(content))
	defer span.End()

	symbols, err := e.extract(ctx, content, lang)
	recordExtractMetrics(ctx, string(lang), time.Since(start), len(symbols), err == nil)
	if err != nil {
		return nil, err
	}

	setExtractSpanResult(span, len(symbols))
	return symbols, nil
}

// Implementation returns the full source text of the named declaration
// (decorators included), or false when the name is not declared in
// content.
func (e *Extractor) Implementation(ctx context.Context, content []byte, lang Language, name string) (string, bool, error) {
	symbols, err := e.extract(ctx, content, lang)
	if err != nil {
		return "", false, err
	}
	for _, sym := range symbols {
		if sym.Name == name {
			return string(content[sym.startByte:sym.endByte]), true, nil
		}
	}
	return "", false, nil
}

func (e *Extractor) extract(ctx context.Context, content []byte, lang Language) ([]Symbol, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("extraction canceled before start: %w", err)
	}
	if int64(len(content)) > e.maxFileSize {
		return nil, fmt.Errorf("content size %d exceeds limit %d", len(content), e.maxFileSize)
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContent)
	}

	var language *sitter.Language
	switch lang {
	case LangGo:
		language = golang.GetLanguage()
	case LangPython:
		language = python.GetLanguage()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}

	// New parser per call for thread safety.
	parser := sitter.NewParser()
	parser.SetLanguage(language)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("extraction canceled after parse: %w", err)
	}

	root := tree.RootNode()
	if root == nil {
		return nil, nil
	}
	if root.HasError() {
		slog.Debug("extracting from source with syntax errors", "language", lang)
	}

	switch lang {
	case LangGo:
		return extractGoSymbols(root, content), nil
	default:
		return extractPythonSymbols(root, content), nil
	}
}

// =============================================================================
// Go extraction
// =============================================================================

func extractGoSymbols(root *sitter.Node, content []byte) []Symbol {
	var symbols []Symbol
	for i := 0; i < int(root.ChildCount()); i++ {
		node := root.Child(i)
		switch node.Type() {
		case "function_declaration":
			if sym, ok := goCallableSymbol(node, content, SymbolKindFunction); ok {
				symbols = append(symbols, sym)
			}
		case "method_declaration":
			if sym, ok := goCallableSymbol(node, content, SymbolKindMethod); ok {
				symbols = append(symbols, sym)
			}
		case "type_declaration":
			symbols = append(symbols, goTypeSymbols(node, content)...)
		}
	}
	return symbols
}

func goCallableSymbol(node *sitter.Node, content []byte, kind SymbolKind) (Symbol, bool) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return Symbol{}, false
	}

	sigEnd := node.EndByte()
	if body := node.ChildByFieldName("body"); body != nil {
		sigEnd = body.StartByte()
	}

	return Symbol{
		Name:      string(content[nameNode.StartByte():nameNode.EndByte()]),
		Kind:      kind,
		Signature: strings.TrimSpace(string(content[node.StartByte():sigEnd])),
		StartLine: int(node.StartPoint().Row + 1),
		EndLine:   int(node.EndPoint().Row + 1),
		startByte: node.StartByte(),
		endByte:   node.EndByte(),
	}, true
}

func goTypeSymbols(node *sitter.Node, content []byte) []Symbol {
	var symbols []Symbol
	for i := 0; i < int(node.ChildCount()); i++ {
		spec := node.Child(i)
		if spec.Type() != "type_spec" {
			continue
		}
		nameNode := spec.ChildByFieldName("name")
		if nameNode == nil {
			continue
		}
		name := string(content[nameNode.StartByte():nameNode.EndByte()])
		symbols = append(symbols, Symbol{
			Name:      name,
			Kind:      SymbolKindType,
			Signature: "type " + name,
			StartLine: int(node.StartPoint().Row + 1),
			EndLine:   int(node.EndPoint().Row + 1),
			startByte: node.StartByte(),
			endByte:   node.EndByte(),
		})
	}
	return symbols
}

// =============================================================================
// Python extraction
// =============================================================================

func extractPythonSymbols(root *sitter.Node, content []byte) []Symbol {
	var symbols []Symbol
	for i := 0; i < int(root.ChildCount()); i++ {
		node := root.Child(i)
		symbols = append(symbols, pythonNodeSymbols(node, content, SymbolKindFunction)...)
	}
	return symbols
}

// pythonNodeSymbols handles one top-level (or class-body) statement.
// decorated_definition wraps the real definition; the decorators stay
// part of the symbol's byte range.
func pythonNodeSymbols(node *sitter.Node, content []byte, funcKind SymbolKind) []Symbol {
	outer := node
	if node.Type() == "decorated_definition" {
		if def := node.ChildByFieldName("definition"); def != nil {
			node = def
		}
	}

	switch node.Type() {
	case "function_definition":
		if sym, ok := pythonCallableSymbol(outer, node, content, funcKind); ok {
			return []Symbol{sym}
		}
	case "class_definition":
		if sym, ok := pythonCallableSymbol(outer, node, content, SymbolKindClass); ok {
			symbols := []Symbol{sym}
			if body := node.ChildByFieldName("body"); body != nil {
				for i := 0; i < int(body.ChildCount()); i++ {
					symbols = append(symbols, pythonNodeSymbols(body.Child(i), content, SymbolKindMethod)...)
				}
			}
			return symbols
		}
	}
	return nil
}

func pythonCallableSymbol(outer, node *sitter.Node, content []byte, kind SymbolKind) (Symbol, bool) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return Symbol{}, false
	}

	sigEnd := node.EndByte()
	if body := node.ChildByFieldName("body"); body != nil {
		sigEnd = body.StartByte()
	}

	return Symbol{
		Name:      string(content[nameNode.StartByte():nameNode.EndByte()]),
		Kind:      kind,
		Signature: strings.TrimSpace(string(content[node.StartByte():sigEnd])),
		StartLine: int(outer.StartPoint().Row + 1),
		EndLine:   int(outer.EndPoint().Row + 1),
		startByte: outer.StartByte(),
		endByte:   outer.EndByte(),
	}, true
}
