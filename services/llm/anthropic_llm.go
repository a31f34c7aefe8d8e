// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var anthropicTracer = otel.Tracer("pilot.llm.anthropic")

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicBaseURL    = "https://api.anthropic.com/v1/messages"
	anthropicMaxTokens  = 4096
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    []systemBlock      `json:"system,omitempty"` // Top-level system prompt
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock is one content block. Only the fields for its Type
// are populated.
type anthropicBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type systemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// anthropicTool is the Messages API tool shape: the OpenAI-style
// parameters object becomes input_schema.
type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Streaming event payloads. Each SSE data line decodes into one of
// these depending on its type tag.
type anthropicStreamEvent struct {
	Type string `json:"type"`

	// content_block_start
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`

	// content_block_delta
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`

	Error *anthropicError `json:"error,omitempty"`
}

// AnthropicClient streams completions from the Anthropic Messages API.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewAnthropicClient creates a client for the given model. The timeout
// caps the whole streamed exchange.
func NewAnthropicClient(apiKey, model string, timeout time.Duration) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is missing")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic model is missing")
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    anthropicBaseURL,
	}, nil
}

// StreamCompletion implements the StreamingClient interface.
func (a *AnthropicClient) StreamCompletion(ctx context.Context, messages []Message, tools []Tool, emit EmitFunc) (*StreamResult, error) {
	ctx, span := anthropicTracer.Start(ctx, "AnthropicClient.StreamCompletion")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.model))

	payload, err := a.buildRequest(messages, tools)
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "text/event-stream")

	slog.Debug("streaming from Anthropic", "model", a.model, "messages", len(messages))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, string(bodyBytes))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result, err := a.consumeStream(resp.Body, emit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

// buildRequest converts provider-neutral messages to the Messages API
// shape. Tool results become user-role tool_result blocks; assistant
// tool calls become tool_use blocks.
func (a *AnthropicClient) buildRequest(messages []Message, tools []Tool) (*anthropicRequest, error) {
	var apiMessages []anthropicMessage
	var systemBlocks []systemBlock

	for _, msg := range messages {
		switch strings.ToLower(msg.Role) {
		case RoleSystem:
			systemBlocks = append(systemBlocks, systemBlock{Type: "text", Text: msg.Content})

		case RoleTool:
			apiMessages = append(apiMessages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case RoleAssistant:
			var blocks []anthropicBlock
			if msg.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				input := json.RawMessage(call.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Name,
					Input: input,
				})
			}
			apiMessages = append(apiMessages, anthropicMessage{Role: "assistant", Content: blocks})

		default:
			apiMessages = append(apiMessages, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: msg.Content}},
			})
		}
	}

	var apiTools []anthropicTool
	for _, t := range tools {
		apiTools = append(apiTools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return &anthropicRequest{
		Model:     a.model,
		Messages:  apiMessages,
		System:    systemBlocks,
		MaxTokens: anthropicMaxTokens,
		Tools:     apiTools,
		Stream:    true,
	}, nil
}

// consumeStream reads SSE data lines until message_stop, emitting text
// and thinking deltas and accumulating tool_use blocks.
func (a *AnthropicClient) consumeStream(body io.Reader, emit EmitFunc) (*StreamResult, error) {
	result := &StreamResult{}

	// Tool input JSON arrives as partial_json fragments on the block
	// that announced the tool_use; track the block being assembled.
	var pending *ToolCall
	var pendingArgs strings.Builder

	flushPending := func() {
		if pending == nil {
			return
		}
		args := pendingArgs.String()
		if args == "" {
			args = "{}"
		}
		pending.Arguments = args
		result.ToolCalls = append(result.ToolCalls, *pending)
		pending = nil
		pendingArgs.Reset()
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			slog.Debug("skipping undecodable stream line", "error", err)
			continue
		}

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				flushPending()
				pending = &ToolCall{ID: event.ContentBlock.ID, Name: event.ContentBlock.Name}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				emit(Delta{Type: DeltaCompletion, Content: event.Delta.Text})
			case "thinking_delta":
				emit(Delta{Type: DeltaThinking, Content: event.Delta.Thinking})
			case "input_json_delta":
				pendingArgs.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			flushPending()

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				result.StopReason = event.Delta.StopReason
			}

		case "message_stop":
			flushPending()
			return result, nil

		case "error":
			if event.Error != nil {
				return nil, fmt.Errorf("anthropic API error: %s - %s", event.Error.Type, event.Error.Message)
			}
			return nil, fmt.Errorf("anthropic API error")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading anthropic stream: %w", err)
	}

	// Stream ended without message_stop; return what was accumulated.
	flushPending()
	return result, nil
}
