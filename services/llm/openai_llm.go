// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var openaiTracer = otel.Tracer("pilot.llm.openai")

// defaultSystemPrompt matches the completion persona sent on every
// OpenAI-path request unless the caller supplies its own system message.
const defaultSystemPrompt = "You are a code completion assistant."

// OpenAIClient streams completions from the OpenAI Chat Completions
// API, or from any OpenAI-compatible endpoint when a base URL is set
// (the "local" provider path).
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client for api.openai.com.
func NewOpenAIClient(apiKey, model string, timeout time.Duration) (*OpenAIClient, error) {
	return newOpenAIClient(apiKey, model, "", timeout)
}

// NewLocalClient creates a client for a local OpenAI-compatible
// endpoint such as Ollama (http://localhost:11434/v1), llama.cpp
// server, or vLLM.
func NewLocalClient(apiKey, model, baseURL string, timeout time.Duration) (*OpenAIClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("local provider requires a base url")
	}
	return newOpenAIClient(apiKey, model, baseURL, timeout)
}

func newOpenAIClient(apiKey, model, baseURL string, timeout time.Duration) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is missing")
	}
	if model == "" {
		return nil, fmt.Errorf("openai model is missing")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	slog.Debug("initializing OpenAI-compatible client", "model", model, "base_url_set", baseURL != "")
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// StreamCompletion implements the StreamingClient interface.
func (o *OpenAIClient) StreamCompletion(ctx context.Context, messages []Message, tools []Tool, emit EmitFunc) (*StreamResult, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.StreamCompletion")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: o.buildMessages(messages),
		Stream:   true,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	defer stream.Close()

	result := &StreamResult{}
	// Tool call fragments arrive keyed by index; arguments accumulate
	// across chunks.
	calls := make(map[int]*ToolCall)
	order := []int{}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("reading openai stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			emit(Delta{Type: DeltaCompletion, Content: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := calls[idx]
			if !ok {
				call = &ToolCall{}
				calls[idx] = call
				order = append(order, idx)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}

		if choice.FinishReason != "" {
			result.StopReason = string(choice.FinishReason)
		}
	}

	for _, idx := range order {
		call := calls[idx]
		if call.Arguments == "" {
			call.Arguments = "{}"
		}
		result.ToolCalls = append(result.ToolCalls, *call)
	}

	slog.Debug("openai stream finished", "stop_reason", result.StopReason, "tool_calls", len(result.ToolCalls))
	return result, nil
}

// buildMessages converts provider-neutral messages, prepending the
// completion system prompt when the caller did not set one.
func (o *OpenAIClient) buildMessages(messages []Message) []openai.ChatCompletionMessage {
	hasSystem := false
	for _, m := range messages {
		if m.Role == RoleSystem {
			hasSystem = true
			break
		}
	}

	var apiMessages []openai.ChatCompletionMessage
	if !hasSystem {
		apiMessages = append(apiMessages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: defaultSystemPrompt,
		})
	}

	for _, m := range messages {
		apiMsg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			apiMsg.ToolCalls = append(apiMsg.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			})
		}
		apiMessages = append(apiMessages, apiMsg)
	}
	return apiMessages
}
