// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import "context"

// MockClient is a scripted StreamingClient for tests. Each call to
// StreamCompletion consumes the next scripted turn.
type MockClient struct {
	// Turns are played back in order; a call past the end replays the
	// last turn.
	Turns []MockTurn

	// Calls records the messages passed to each StreamCompletion call.
	Calls [][]Message

	turn int
}

// MockTurn scripts one model turn.
type MockTurn struct {
	Deltas []Delta
	Result StreamResult
	Err    error
}

// StreamCompletion implements the StreamingClient interface.
func (m *MockClient) StreamCompletion(ctx context.Context, messages []Message, tools []Tool, emit EmitFunc) (*StreamResult, error) {
	m.Calls = append(m.Calls, messages)

	if len(m.Turns) == 0 {
		return &StreamResult{}, nil
	}
	turn := m.Turns[min(m.turn, len(m.Turns)-1)]
	m.turn++

	if turn.Err != nil {
		return nil, turn.Err
	}
	for _, d := range turn.Deltas {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		emit(d)
	}
	result := turn.Result
	return &result, nil
}
