// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides streaming clients for the supported completion
// providers: Anthropic (Messages API), OpenAI (Chat Completions), and
// local OpenAI-compatible endpoints (Ollama, llama.cpp server, vLLM).
//
// Clients stream one model turn at a time. Text and thinking deltas
// are pushed through an EmitFunc as they arrive; if the model stops to
// request a tool, the accumulated tool calls are returned so the
// caller can execute them and continue the conversation with a
// follow-up turn.
package llm

import (
	"context"
	"encoding/json"
)

// Message roles, shared across providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a provider-neutral conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set on tool messages and names the call answered.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-issued request to run a tool. Arguments is the
// raw JSON argument object as produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool describes a callable tool in OpenAI function schema form.
// Anthropic clients convert it to input_schema form internally.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// DeltaType tags streamed output fragments.
type DeltaType int

const (
	// DeltaCompletion is generated completion text.
	DeltaCompletion DeltaType = iota

	// DeltaThinking is extended-thinking text, not part of the result.
	DeltaThinking
)

// Delta is one streamed output fragment.
type Delta struct {
	Type    DeltaType
	Content string
}

// EmitFunc receives deltas in arrival order. Implementations must be
// fast; the stream reader blocks on them.
type EmitFunc func(Delta)

// StreamResult summarizes a finished model turn.
type StreamResult struct {
	// ToolCalls is non-empty when the model stopped to request tools.
	// The caller must answer them and stream a follow-up turn.
	ToolCalls []ToolCall

	// StopReason is the provider's stop reason, for logging.
	StopReason string
}

// StreamingClient streams model turns for one provider.
type StreamingClient interface {
	// StreamCompletion streams a single model turn.
	//
	// Inputs:
	//   ctx - Governs the request; cancellation aborts the stream.
	//   messages - Full conversation so far, including tool results.
	//   tools - Tools the model may call (may be empty).
	//   emit - Receives text/thinking deltas in arrival order.
	//
	// Outputs:
	//   *StreamResult - Turn summary; ToolCalls non-empty on tool stop.
	//   error - Non-nil on transport or provider errors.
	StreamCompletion(ctx context.Context, messages []Message, tools []Tool, emit EmitFunc) (*StreamResult, error)
}

// BuildUserMessage assembles the initial user message from the buffer
// context and the optional explicit instruction.
func BuildUserMessage(contextText string, prompt *string) Message {
	content := contextText
	if prompt != nil && *prompt != "" {
		content += "\n\n" + *prompt
	}
	return Message{Role: RoleUser, Content: content}
}
