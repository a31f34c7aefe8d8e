// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package completion

import (
	"regexp"
	"strings"
)

// fenceOpen matches a line that is only an opening code fence with an
// optional language tag, e.g. "```" or "  ```lua".
var fenceOpen = regexp.MustCompile("^\\s*```[\\w+-]*\\s*$")

// fenceClose matches a line that is only a closing code fence.
var fenceClose = regexp.MustCompile("^\\s*```\\s*$")

// indentPrefix captures a line's leading whitespace.
var indentPrefix = regexp.MustCompile(`^[ \t]*`)

// stripFences removes one enclosing fenced code block: an opening
// fence line at the very start and a closing fence line at the very
// end. Text without both markers is returned with blank edges trimmed
// but otherwise unchanged.
func stripFences(text string) string {
	trimmed := trimBlankEdges(text)
	lines := strings.Split(trimmed, "\n")
	if len(lines) >= 2 && fenceOpen.MatchString(lines[0]) && fenceClose.MatchString(lines[len(lines)-1]) {
		return trimBlankEdges(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return trimmed
}

// trimBlankEdges drops leading blank lines and trailing whitespace.
// The first content line keeps its indentation; a completion that
// starts indented must stay indented when it replaces a blank line.
func trimBlankEdges(text string) string {
	text = strings.TrimRight(text, " \t\n")
	for {
		line, rest, found := strings.Cut(text, "\n")
		if !found || strings.TrimSpace(line) != "" {
			return text
		}
		text = rest
	}
}

// prepareInsertion turns raw accumulated completion text into the
// lines to place in the buffer: fences stripped, surrounding
// whitespace trimmed, and each non-blank line re-prefixed with the
// originating line's indentation.
func prepareInsertion(text, indent string) []string {
	stripped := stripFences(text)
	if stripped == "" {
		return nil
	}

	lines := strings.Split(stripped, "\n")
	if indent != "" {
		for i, line := range lines {
			if strings.TrimSpace(line) != "" {
				lines[i] = indent + line
			}
		}
	}
	return lines
}

// insertCompletion places lines at the marked position: a line that
// was blank at invocation time is replaced, a non-blank line gets the
// completion inserted immediately after it.
func insertCompletion(buf *Buffer, mark *Mark, lines []string, originBlank bool) {
	if len(lines) == 0 {
		return
	}
	at := mark.Line()
	if originBlank {
		buf.SetLines(at, at+1, lines)
	} else {
		buf.SetLines(at+1, at+1, lines)
	}
}

// leadingIndent returns the line's leading whitespace. Whitespace-only
// lines have no meaningful indentation and yield "".
func leadingIndent(line string) string {
	if strings.TrimSpace(line) == "" {
		return ""
	}
	return indentPrefix.FindString(line)
}
