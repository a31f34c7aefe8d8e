// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package backend implements the pilotd request router: a
// newline-delimited JSON loop that reads requests from stdin, streams
// provider completions, and writes events to stdout.
//
// Each "complete" request is handled on its own goroutine; the output
// writer is serialized so event lines never interleave. Tool calls
// pause the provider round until the editor answers with a matching
// "tool_response" line.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianPilot/pkg/config"
	"github.com/AleutianAI/AleutianPilot/pkg/protocol"
	"github.com/AleutianAI/AleutianPilot/services/llm"
)

// maxLineBytes bounds a single request line. Completion contexts are a
// few hundred lines at most; anything larger is a protocol violation.
const maxLineBytes = 4 * 1024 * 1024

// ClientFactory builds the streaming client for one request's resolved
// provider configuration. Injected so tests can substitute a mock.
type ClientFactory func(cfg config.ProviderConfig) (llm.StreamingClient, error)

// Server routes request lines to provider streams.
//
// # Thread Safety
//
// Run owns the input side. Event writes and the tool-response waiter
// table are mutex-protected, so handler goroutines may emit
// concurrently.
type Server struct {
	in        io.Reader
	out       io.Writer
	newClient ClientFactory
	log       *slog.Logger

	writeMu sync.Mutex

	waiterMu sync.Mutex
	waiters  map[string]chan string // tool_call_id -> tool result content
}

// Option configures a Server.
type Option func(*Server)

// WithClientFactory overrides how provider clients are constructed.
func WithClientFactory(f ClientFactory) Option {
	return func(s *Server) { s.newClient = f }
}

// WithLogger sets the structured logger. Logs go to stderr; stdout is
// reserved for event lines.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer creates a router reading requests from in and writing
// events to out.
func NewServer(in io.Reader, out io.Writer, opts ...Option) *Server {
	s := &Server{
		in:        in,
		out:       out,
		newClient: llm.NewClient,
		log:       slog.Default(),
		waiters:   make(map[string]chan string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reads request lines until the input closes, dispatching each to
// a handler. It returns after all in-flight handlers finish.
//
// # Inputs
//
//   - ctx: Cancellation aborts in-flight provider streams.
//
// # Outputs
//
//   - error: Non-nil on input read failure or event write failure.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		req, err := protocol.DecodeRequest(line)
		if err != nil {
			// Report malformed input on the request's stream when an id
			// is recoverable, so the editor can release the request.
			s.log.Warn("dropping malformed request line", "error", err)
			if wErr := s.writeEvent(protocol.Error(recoverRequestID(line), fmt.Sprintf("malformed request: %v", err))); wErr != nil {
				return wErr
			}
			continue
		}

		switch req.Type {
		case protocol.RequestComplete:
			g.Go(func() error {
				return s.handleComplete(ctx, req)
			})
		case protocol.RequestToolResponse:
			s.deliverToolResponse(req)
		}

		select {
		case <-ctx.Done():
			return g.Wait()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		g.Wait()
		return fmt.Errorf("reading request stream: %w", err)
	}
	return g.Wait()
}

// handleComplete streams provider turns for one request, looping
// through tool rounds until the model finishes or the round bound is
// hit. Every outcome ends with exactly one terminal event.
func (s *Server) handleComplete(ctx context.Context, req protocol.Request) error {
	log := s.log.With("request_id", req.RequestID)

	client, err := s.newClient(*req.Config)
	if err != nil {
		log.Error("failed to build provider client", "error", err)
		return s.writeEvent(protocol.Error(req.RequestID, err.Error()))
	}

	maxRounds := req.Config.MaxToolRounds
	messages := []llm.Message{llm.BuildUserMessage(req.Context, req.Prompt)}

	var emitErr error
	emit := func(d llm.Delta) {
		if emitErr != nil {
			return
		}
		switch d.Type {
		case llm.DeltaThinking:
			emitErr = s.writeEvent(protocol.Thinking(req.RequestID, d.Content))
		case llm.DeltaCompletion:
			emitErr = s.writeEvent(protocol.Completion(req.RequestID, d.Content))
		}
	}

	for round := 0; ; round++ {
		result, err := client.StreamCompletion(ctx, messages, Tools(), emit)
		if emitErr != nil {
			return emitErr
		}
		if err != nil {
			log.Error("provider stream failed", "round", round, "error", err)
			return s.writeEvent(protocol.Error(req.RequestID, err.Error()))
		}

		if len(result.ToolCalls) == 0 {
			log.Debug("completion finished", "rounds", round, "stop_reason", result.StopReason)
			return s.writeEvent(protocol.Done(req.RequestID))
		}

		if round >= maxRounds {
			log.Warn("tool round bound exceeded", "max_tool_rounds", maxRounds)
			return s.writeEvent(protocol.Error(req.RequestID,
				fmt.Sprintf("exceeded maximum tool rounds (%d)", maxRounds)))
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: result.ToolCalls,
		})

		for _, call := range result.ToolCalls {
			functionName, err := parseToolArgs(call.Arguments)
			if err != nil {
				log.Error("rejecting tool call", "tool_call_id", call.ID, "error", err)
				return s.writeEvent(protocol.Error(req.RequestID, err.Error()))
			}

			// Register before announcing the call so a fast editor
			// response cannot race the waiter.
			ch := s.registerWaiter(call.ID)
			if err := s.writeEvent(protocol.ToolCall(req.RequestID, call.ID, call.Name, functionName)); err != nil {
				s.removeWaiter(call.ID)
				return err
			}

			select {
			case content := <-ch:
				messages = append(messages, llm.Message{
					Role:       llm.RoleTool,
					ToolCallID: call.ID,
					Content:    content,
				})
			case <-ctx.Done():
				s.removeWaiter(call.ID)
				return s.writeEvent(protocol.Error(req.RequestID, ctx.Err().Error()))
			}
		}
	}
}

// deliverToolResponse hands a tool result to the handler waiting on the
// tool_call_id. Responses for unknown calls are dropped.
func (s *Server) deliverToolResponse(req protocol.Request) {
	s.waiterMu.Lock()
	ch, ok := s.waiters[req.ToolCallID]
	if ok {
		delete(s.waiters, req.ToolCallID)
	}
	s.waiterMu.Unlock()

	if !ok {
		s.log.Debug("dropping tool_response for unknown call", "tool_call_id", req.ToolCallID)
		return
	}
	ch <- req.Content
}

func (s *Server) registerWaiter(toolCallID string) chan string {
	ch := make(chan string, 1)
	s.waiterMu.Lock()
	s.waiters[toolCallID] = ch
	s.waiterMu.Unlock()
	return ch
}

func (s *Server) removeWaiter(toolCallID string) {
	s.waiterMu.Lock()
	delete(s.waiters, toolCallID)
	s.waiterMu.Unlock()
}

// writeEvent serializes an event and writes it as one line. The mutex
// keeps concurrent handlers from interleaving partial lines.
func (s *Server) writeEvent(e protocol.Event) error {
	line, err := protocol.EncodeEvent(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// recoverRequestID best-effort extracts a request_id from a line that
// failed full decoding, so the error event can still be correlated.
func recoverRequestID(line []byte) string {
	var partial struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(line, &partial); err != nil {
		return ""
	}
	return partial.RequestID
}
