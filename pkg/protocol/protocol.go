// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package protocol defines the wire format between the editor-side
// engine and the pilotd backend.
//
// The transport is newline-delimited JSON: one object per line, each
// direction. Every message carries a request_id so concurrent requests
// can be correlated; the bridge dispatches inbound events only to the
// matching pending request.
//
// Outbound (editor -> backend):
//
//	{"type":"complete","request_id":"...","context":"...","prompt":null,"config":{...}}
//	{"type":"tool_response","request_id":"...","tool_call_id":"...","content":"..."}
//
// Inbound (backend -> editor):
//
//	{"type":"thinking","request_id":"...","content":"..."}
//	{"type":"completion","request_id":"...","content":"..."}
//	{"type":"tool_call","request_id":"...","id":"...","name":"...","args":{"function_name":"..."}}
//	{"type":"done","request_id":"..."}
//	{"type":"error","request_id":"...","message":"..."}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianPilot/pkg/config"
)

// ErrUnknownType is returned when a line carries an unrecognized type
// tag. Callers on the editor side drop such lines silently.
var ErrUnknownType = errors.New("unknown message type")

// NewRequestID returns a process-unique correlation id.
func NewRequestID() string {
	return uuid.NewString()
}

// =============================================================================
// Requests (editor -> backend)
// =============================================================================

// RequestType tags outbound messages.
type RequestType string

const (
	// RequestComplete asks the backend to stream a completion.
	RequestComplete RequestType = "complete"

	// RequestToolResponse answers a pending tool call.
	RequestToolResponse RequestType = "tool_response"
)

// Request is an outbound message. Exactly one of the variant field
// groups is populated, selected by Type. Immutable once sent.
type Request struct {
	Type      RequestType `json:"type"`
	RequestID string      `json:"request_id"`

	// RequestComplete fields.
	Context string                 `json:"context,omitempty"`
	Prompt  *string                `json:"prompt,omitempty"`
	Config  *config.ProviderConfig `json:"config,omitempty"`

	// RequestToolResponse fields.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Content    string `json:"content,omitempty"`
}

// NewCompleteRequest builds a completion request with a fresh id.
// prompt may be nil, meaning "infer the completion from context alone".
func NewCompleteRequest(context string, prompt *string, cfg config.ProviderConfig) Request {
	return Request{
		Type:      RequestComplete,
		RequestID: NewRequestID(),
		Context:   context,
		Prompt:    prompt,
		Config:    &cfg,
	}
}

// NewToolResponse builds the follow-up message answering a tool call.
func NewToolResponse(requestID, toolCallID, content string) Request {
	return Request{
		Type:       RequestToolResponse,
		RequestID:  requestID,
		ToolCallID: toolCallID,
		Content:    content,
	}
}

// Validate checks structural invariants before the request hits the wire.
func (r Request) Validate() error {
	if r.RequestID == "" {
		return errors.New("request missing request_id")
	}
	switch r.Type {
	case RequestComplete:
		if r.Config == nil {
			return errors.New("complete request missing config")
		}
		return nil
	case RequestToolResponse:
		if r.ToolCallID == "" {
			return errors.New("tool_response missing tool_call_id")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
	}
}

// EncodeRequest serializes a request to a single JSON line (no
// trailing newline; the writer appends it).
func EncodeRequest(r Request) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeRequest parses one line from the backend's stdin.
func DecodeRequest(line []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(line, &r); err != nil {
		return Request{}, fmt.Errorf("malformed request line: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// =============================================================================
// Events (backend -> editor)
// =============================================================================

// EventType tags inbound stream events.
type EventType string

const (
	EventThinking   EventType = "thinking"
	EventCompletion EventType = "completion"
	EventToolCall   EventType = "tool_call"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// ToolArgs are the decoded arguments of a tool call.
type ToolArgs struct {
	FunctionName string `json:"function_name"`
}

// Event is one element of a request's response stream.
//
// Events form a tagged union on Type. Decoding is exhaustive: a line
// with an unknown tag fails with ErrUnknownType rather than passing
// through as an ambiguous value. Ordering within one request is
// significant; completion content must be concatenated in arrival
// order.
type Event struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id"`

	// EventThinking / EventCompletion payload.
	Content string `json:"content,omitempty"`

	// EventToolCall payload.
	ToolCallID string    `json:"id,omitempty"`
	ToolName   string    `json:"name,omitempty"`
	ToolArgs   *ToolArgs `json:"args,omitempty"`

	// EventError payload.
	Message string `json:"message,omitempty"`
}

// Thinking builds a thinking event.
func Thinking(requestID, content string) Event {
	return Event{Type: EventThinking, RequestID: requestID, Content: content}
}

// Completion builds a completion chunk event.
func Completion(requestID, content string) Event {
	return Event{Type: EventCompletion, RequestID: requestID, Content: content}
}

// ToolCall builds a tool call event.
func ToolCall(requestID, toolCallID, name, functionName string) Event {
	return Event{
		Type:       EventToolCall,
		RequestID:  requestID,
		ToolCallID: toolCallID,
		ToolName:   name,
		ToolArgs:   &ToolArgs{FunctionName: functionName},
	}
}

// Done builds the terminal success event.
func Done(requestID string) Event {
	return Event{Type: EventDone, RequestID: requestID}
}

// Error builds the terminal error event.
func Error(requestID, message string) Event {
	return Event{Type: EventError, RequestID: requestID, Message: message}
}

// Terminal reports whether the event ends its request's stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Validate checks the type tag exhaustively.
func (e Event) Validate() error {
	switch e.Type {
	case EventThinking, EventCompletion, EventToolCall, EventDone, EventError:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

// EncodeEvent serializes an event to a single JSON line.
func EncodeEvent(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEvent parses one line from the backend's stdout. Malformed
// JSON and unknown type tags both return an error; the bridge's
// decoding policy is to drop such lines.
func DecodeEvent(line []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("malformed event line: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
