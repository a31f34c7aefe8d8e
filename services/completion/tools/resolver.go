// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools resolves get_implementation tool calls on the editor
// side. Resolution walks a fallback chain: a pattern search over the
// current buffer, a tree-sitter symbol lookup over the same content,
// and finally a project-wide ripgrep search. Every path returns text;
// a miss yields a not-found sentinel rather than an error, so the
// model can continue the round.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianPilot/services/completion/ast"
)

// maxBlockLines caps a heuristically extracted implementation block.
const maxBlockLines = 200

// identPattern restricts lookups to plausible symbol names.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// CommandRunner executes an external command and returns its stdout.
// Injected so tests can fake ripgrep.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// WithRunner overrides how external commands are executed.
func WithRunner(run CommandRunner) Option {
	return func(r *Resolver) { r.run = run }
}

// WithReadFile overrides how matched files are read.
func WithReadFile(read func(path string) ([]byte, error)) Option {
	return func(r *Resolver) { r.readFile = read }
}

// WithRipgrepPath sets the ripgrep binary name or path.
func WithRipgrepPath(path string) Option {
	return func(r *Resolver) { r.rgPath = path }
}

// Resolver answers get_implementation lookups.
type Resolver struct {
	root      string
	extractor *ast.Extractor
	log       *slog.Logger
	rgPath    string
	run       CommandRunner
	readFile  func(path string) ([]byte, error)
}

// NewResolver creates a resolver searching the project rooted at root.
func NewResolver(root string, opts ...Option) *Resolver {
	r := &Resolver{
		root:      root,
		extractor: ast.NewExtractor(),
		log:       slog.Default(),
		rgPath:    "rg",
		readFile:  os.ReadFile,
	}
	r.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).Output()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the implementation text for name, or the not-found
// sentinel. bufferLines is the content of the buffer that triggered
// the completion; lang selects the tree-sitter grammar for it ("" when
// unknown).
func (r *Resolver) Resolve(ctx context.Context, name string, bufferLines []string, lang ast.Language) string {
	if !identPattern.MatchString(name) {
		r.log.Debug("rejecting implausible symbol name", "name", name)
		return notFound(name)
	}

	if impl, ok := searchLines(name, bufferLines); ok {
		r.log.Debug("resolved tool call from buffer pattern search", "name", name)
		return impl
	}

	if lang != "" {
		content := []byte(strings.Join(bufferLines, "\n"))
		impl, ok, err := r.extractor.Implementation(ctx, content, lang, name)
		if err != nil {
			r.log.Debug("symbol lookup failed", "name", name, "error", err)
		} else if ok {
			r.log.Debug("resolved tool call from symbol lookup", "name", name)
			return impl
		}
	}

	if impl, ok := r.searchProject(ctx, name); ok {
		r.log.Debug("resolved tool call from project search", "name", name)
		return impl
	}

	return notFound(name)
}

func notFound(name string) string {
	return fmt.Sprintf("Implementation of '%s' not found.", name)
}

// searchLines finds a declaration of name and extracts its block by
// indentation. Works for def/class/func/function declarations across
// the common languages; method declarations with receivers fall
// through to the symbol lookup.
func searchLines(name string, lines []string) (string, bool) {
	decl := regexp.MustCompile(`^\s*(?:local\s+|async\s+|export\s+|pub\s+)*(?:func|def|function|class|fn)\s+` + regexp.QuoteMeta(name) + `\b`)
	for i, line := range lines {
		if decl.MatchString(line) {
			return extractBlock(lines, i), true
		}
	}
	return "", false
}

// extractBlock takes the declaration line plus everything indented
// deeper than it, and a closing delimiter line at the declaration's
// own indent if one follows.
func extractBlock(lines []string, start int) string {
	base := indentWidth(lines[start])
	end := start + 1

	for end < len(lines) && end-start < maxBlockLines {
		line := lines[end]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			end++
			continue
		}
		if indentWidth(line) > base {
			end++
			continue
		}
		if strings.HasPrefix(trimmed, "}") || trimmed == "end" {
			end++
		}
		break
	}

	for end > start+1 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

func indentWidth(line string) int {
	width := 0
	for _, r := range line {
		switch r {
		case ' ':
			width++
		case '\t':
			width += 4
		default:
			return width
		}
	}
	return width
}

// searchProject runs ripgrep over the project root and extracts the
// implementation from the first matching file.
func (r *Resolver) searchProject(ctx context.Context, name string) (string, bool) {
	pattern := `(func|def|function|class|fn)\s+` + regexp.QuoteMeta(name) + `\b`
	out, err := r.run(ctx, r.rgPath,
		"--line-number", "--no-heading", "--color=never", "--max-count=1",
		"-e", pattern, r.root)
	if err != nil {
		// Exit status 1 means no matches; anything else usually means
		// ripgrep is not installed.
		r.log.Debug("project search produced no result", "name", name, "error", err)
		return "", false
	}

	for _, matchLine := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		path, lineNo, ok := parseMatch(matchLine)
		if !ok {
			continue
		}

		content, err := r.readFile(path)
		if err != nil {
			r.log.Debug("cannot read matched file", "path", path, "error", err)
			continue
		}

		if lang, ok := ast.DetectLanguage(path); ok {
			impl, found, err := r.extractor.Implementation(ctx, content, lang, name)
			if err == nil && found {
				return impl, true
			}
		}

		fileLines := strings.Split(string(content), "\n")
		if lineNo-1 >= 0 && lineNo-1 < len(fileLines) {
			return extractBlock(fileLines, lineNo-1), true
		}
	}
	return "", false
}

// parseMatch splits one "path:line:text" ripgrep output line.
func parseMatch(line string) (path string, lineNo int, ok bool) {
	parts := strings.SplitN(line, ":", 3)
	if len(parts) < 3 {
		return "", 0, false
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &lineNo); err != nil {
		return "", 0, false
	}
	return parts[0], lineNo, true
}
