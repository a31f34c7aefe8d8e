// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package completion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_SetLinesReplace(t *testing.T) {
	b := NewBuffer([]string{"a", "b", "c"})
	b.SetLines(1, 2, []string{"B1", "B2"})
	assert.Equal(t, []string{"a", "B1", "B2", "c"}, b.Lines())
}

func TestBuffer_SetLinesInsert(t *testing.T) {
	b := NewBuffer([]string{"a", "b"})
	b.SetLines(1, 1, []string{"x"})
	assert.Equal(t, []string{"a", "x", "b"}, b.Lines())
}

func TestBuffer_SetLinesClampsRange(t *testing.T) {
	b := NewBuffer([]string{"a"})
	b.SetLines(-5, 99, []string{"only"})
	assert.Equal(t, []string{"only"}, b.Lines())
}

func TestBuffer_IsolatedFromCallerSlice(t *testing.T) {
	src := []string{"a"}
	b := NewBuffer(src)
	src[0] = "mutated"
	line, ok := b.Line(0)
	require.True(t, ok)
	assert.Equal(t, "a", line)
}

func TestMark_ShiftsWithInsertionsAbove(t *testing.T) {
	b := NewBuffer([]string{"a", "b", "c"})
	m := b.CreateMark(2)

	b.SetLines(0, 0, []string{"new1", "new2"})
	assert.Equal(t, 4, m.Line())

	line, ok := b.Line(m.Line())
	require.True(t, ok)
	assert.Equal(t, "c", line)
}

func TestMark_ShiftsWithDeletionsAbove(t *testing.T) {
	b := NewBuffer([]string{"a", "b", "c", "d"})
	m := b.CreateMark(3)
	b.SetLines(0, 2, nil)
	assert.Equal(t, 1, m.Line())
}

func TestMark_UnaffectedByEditsBelow(t *testing.T) {
	b := NewBuffer([]string{"a", "b", "c"})
	m := b.CreateMark(0)
	b.SetLines(1, 3, []string{"x"})
	assert.Equal(t, 0, m.Line())
}

func TestMark_PinsWhenItsLineIsReplaced(t *testing.T) {
	b := NewBuffer([]string{"a", "b", "c"})
	m := b.CreateMark(1)
	b.SetLines(1, 2, []string{"B"})
	assert.Equal(t, 1, m.Line())

	// Replacing the marked range with nothing pins to the edit site.
	m2 := b.CreateMark(1)
	b.SetLines(1, 2, nil)
	assert.Equal(t, 1, m2.Line())
}

func TestMark_ReleaseStopsTracking(t *testing.T) {
	b := NewBuffer([]string{"a", "b"})
	m := b.CreateMark(1)
	m.Release()
	b.SetLines(0, 0, []string{"x"})
	assert.Equal(t, 1, m.Line(), "released marks must not shift")
}
