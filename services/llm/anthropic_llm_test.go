// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newMockAnthropicServer serves a canned SSE body for every request and
// captures the decoded request payload for assertions.
func newMockAnthropicServer(t *testing.T, sseLines []string, captured *anthropicRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("expected x-api-key header 'test-key', got %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicAPIVersion {
			t.Errorf("expected anthropic-version %q, got %q", anthropicAPIVersion, got)
		}
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("failed to decode request body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range sseLines {
			w.Write([]byte(line + "\n"))
		}
	}))
}

// newTestAnthropicClient creates a client pointed at a mock server.
func newTestAnthropicClient(t *testing.T, serverURL string) *AnthropicClient {
	t.Helper()
	client, err := NewAnthropicClient("test-key", "claude-test", 5*time.Second)
	if err != nil {
		t.Fatalf("NewAnthropicClient failed: %v", err)
	}
	client.baseURL = serverURL
	return client
}

func TestAnthropicStreamCompletion_TextDeltas(t *testing.T) {
	lines := []string{
		`data: {"type":"message_start"}`,
		`data: {"type":"content_block_start","content_block":{"type":"text"}}`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"func add(a, b int) int {"}}`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"\n\treturn a + b\n}"}}`,
		`data: {"type":"content_block_stop"}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`data: {"type":"message_stop"}`,
	}
	server := newMockAnthropicServer(t, lines, nil)
	defer server.Close()

	client := newTestAnthropicClient(t, server.URL)

	var got strings.Builder
	result, err := client.StreamCompletion(context.Background(),
		[]Message{{Role: RoleUser, Content: "complete this"}}, nil,
		func(d Delta) {
			if d.Type == DeltaCompletion {
				got.WriteString(d.Content)
			}
		})
	if err != nil {
		t.Fatalf("StreamCompletion failed: %v", err)
	}

	want := "func add(a, b int) int {\n\treturn a + b\n}"
	if got.String() != want {
		t.Errorf("expected completion %q, got %q", want, got.String())
	}
	if result.StopReason != "end_turn" {
		t.Errorf("expected stop reason 'end_turn', got %q", result.StopReason)
	}
	if len(result.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(result.ToolCalls))
	}
}

func TestAnthropicStreamCompletion_ThinkingDeltas(t *testing.T) {
	lines := []string{
		`data: {"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"Considering the loop bounds"}}`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"for i := range xs {"}}`,
		`data: {"type":"message_stop"}`,
	}
	server := newMockAnthropicServer(t, lines, nil)
	defer server.Close()

	client := newTestAnthropicClient(t, server.URL)

	var thinking, completion strings.Builder
	_, err := client.StreamCompletion(context.Background(),
		[]Message{{Role: RoleUser, Content: "x"}}, nil,
		func(d Delta) {
			switch d.Type {
			case DeltaThinking:
				thinking.WriteString(d.Content)
			case DeltaCompletion:
				completion.WriteString(d.Content)
			}
		})
	if err != nil {
		t.Fatalf("StreamCompletion failed: %v", err)
	}

	if thinking.String() != "Considering the loop bounds" {
		t.Errorf("unexpected thinking text: %q", thinking.String())
	}
	if completion.String() != "for i := range xs {" {
		t.Errorf("unexpected completion text: %q", completion.String())
	}
}

func TestAnthropicStreamCompletion_ToolUse(t *testing.T) {
	lines := []string{
		`data: {"type":"content_block_start","content_block":{"type":"tool_use","id":"toolu_01","name":"get_implementation"}}`,
		`data: {"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"function_na"}}`,
		`data: {"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"me\": \"parse_config\"}"}}`,
		`data: {"type":"content_block_stop"}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		`data: {"type":"message_stop"}`,
	}
	server := newMockAnthropicServer(t, lines, nil)
	defer server.Close()

	client := newTestAnthropicClient(t, server.URL)

	result, err := client.StreamCompletion(context.Background(),
		[]Message{{Role: RoleUser, Content: "x"}}, nil, func(Delta) {})
	if err != nil {
		t.Fatalf("StreamCompletion failed: %v", err)
	}

	if len(result.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(result.ToolCalls))
	}
	call := result.ToolCalls[0]
	if call.ID != "toolu_01" {
		t.Errorf("expected tool call id 'toolu_01', got %q", call.ID)
	}
	if call.Name != "get_implementation" {
		t.Errorf("expected tool name 'get_implementation', got %q", call.Name)
	}
	// Fragments must reassemble into valid JSON.
	var args struct {
		FunctionName string `json:"function_name"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		t.Fatalf("tool arguments are not valid JSON: %v (%q)", err, call.Arguments)
	}
	if args.FunctionName != "parse_config" {
		t.Errorf("expected function_name 'parse_config', got %q", args.FunctionName)
	}
	if result.StopReason != "tool_use" {
		t.Errorf("expected stop reason 'tool_use', got %q", result.StopReason)
	}
}

func TestAnthropicStreamCompletion_ErrorEvent(t *testing.T) {
	lines := []string{
		`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
	}
	server := newMockAnthropicServer(t, lines, nil)
	defer server.Close()

	client := newTestAnthropicClient(t, server.URL)

	_, err := client.StreamCompletion(context.Background(),
		[]Message{{Role: RoleUser, Content: "x"}}, nil, func(Delta) {})
	if err == nil {
		t.Fatal("expected an error for an error event, got nil")
	}
	if !strings.Contains(err.Error(), "overloaded_error") {
		t.Errorf("expected error to mention 'overloaded_error', got %v", err)
	}
}

func TestAnthropicStreamCompletion_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer server.Close()

	client := newTestAnthropicClient(t, server.URL)

	_, err := client.StreamCompletion(context.Background(),
		[]Message{{Role: RoleUser, Content: "x"}}, nil, func(Delta) {})
	if err == nil {
		t.Fatal("expected an error for a 401 response, got nil")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("expected error to mention the status code, got %v", err)
	}
}

func TestAnthropicBuildRequest_MessageConversion(t *testing.T) {
	lines := []string{`data: {"type":"message_stop"}`}
	var captured anthropicRequest
	server := newMockAnthropicServer(t, lines, &captured)
	defer server.Close()

	client := newTestAnthropicClient(t, server.URL)

	schema := json.RawMessage(`{"type":"object","properties":{"function_name":{"type":"string"}},"required":["function_name"]}`)
	messages := []Message{
		{Role: RoleSystem, Content: "You are a code completion assistant."},
		{Role: RoleUser, Content: "complete the function"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "toolu_01", Name: "get_implementation", Arguments: `{"function_name":"helper"}`}}},
		{Role: RoleTool, ToolCallID: "toolu_01", Content: "def helper(): ..."},
	}
	tools := []Tool{{Name: "get_implementation", Description: "Look up a function body", Parameters: schema}}

	if _, err := client.StreamCompletion(context.Background(), messages, tools, func(Delta) {}); err != nil {
		t.Fatalf("StreamCompletion failed: %v", err)
	}

	if len(captured.System) != 1 || captured.System[0].Text != "You are a code completion assistant." {
		t.Errorf("system message not lifted to top-level system block: %+v", captured.System)
	}
	if len(captured.Messages) != 3 {
		t.Fatalf("expected 3 api messages, got %d", len(captured.Messages))
	}

	assistant := captured.Messages[1]
	if assistant.Role != "assistant" || len(assistant.Content) != 1 || assistant.Content[0].Type != "tool_use" {
		t.Errorf("assistant tool call not converted to tool_use block: %+v", assistant)
	}

	toolMsg := captured.Messages[2]
	if toolMsg.Role != "user" || len(toolMsg.Content) != 1 {
		t.Fatalf("tool result not converted to a user message: %+v", toolMsg)
	}
	if toolMsg.Content[0].Type != "tool_result" || toolMsg.Content[0].ToolUseID != "toolu_01" {
		t.Errorf("unexpected tool_result block: %+v", toolMsg.Content[0])
	}

	if len(captured.Tools) != 1 || captured.Tools[0].Name != "get_implementation" {
		t.Fatalf("tool definition missing from request: %+v", captured.Tools)
	}
	if len(captured.Tools[0].InputSchema) == 0 {
		t.Error("tool input_schema is empty")
	}
	if !captured.Stream {
		t.Error("expected stream=true on the request")
	}
	if captured.MaxTokens != anthropicMaxTokens {
		t.Errorf("expected max_tokens %d, got %d", anthropicMaxTokens, captured.MaxTokens)
	}
}

func TestNewAnthropicClient_Validation(t *testing.T) {
	if _, err := NewAnthropicClient("", "claude-test", time.Second); err == nil {
		t.Error("expected an error for a missing api key")
	}
	if _, err := NewAnthropicClient("key", "", time.Second); err == nil {
		t.Error("expected an error for a missing model")
	}
}
