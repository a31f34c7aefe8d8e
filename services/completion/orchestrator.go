// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package completion

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPilot/pkg/config"
	"github.com/AleutianAI/AleutianPilot/pkg/protocol"
	"github.com/AleutianAI/AleutianPilot/services/completion/ast"
	"github.com/AleutianAI/AleutianPilot/services/completion/bridge"
	ctxwindow "github.com/AleutianAI/AleutianPilot/services/completion/context"
	"github.com/AleutianAI/AleutianPilot/services/completion/status"
	"github.com/AleutianAI/AleutianPilot/services/completion/tools"
)

// statusMessage is the initial in-flight indicator text.
const statusMessage = "generating"

// thinkingPreviewLen bounds how much thinking text reaches the status
// line.
const thinkingPreviewLen = 60

// Transport is the subset of the subprocess bridge the orchestrator
// depends on.
type Transport interface {
	Send(req protocol.Request, onEvent bridge.EventFunc) error
	Cancel(requestID string)
}

// Resolver answers get_implementation tool calls.
type Resolver interface {
	Resolve(ctx context.Context, functionName string, bufferLines []string, lang ast.Language) string
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithNotifier sets the host notification surface.
func WithNotifier(n Notifier) OrchestratorOption {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = log }
}

// WithResolver overrides tool call resolution.
func WithResolver(r Resolver) OrchestratorOption {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithExtractor overrides context window extraction.
func WithExtractor(e *ctxwindow.Extractor) OrchestratorOption {
	return func(o *Orchestrator) {
		o.extractor = e
		o.extractorOverride = true
	}
}

// WithStatusRenderer sets how status text is drawn. The host's
// virtual-text analog; defaults to not rendering.
func WithStatusRenderer(render status.RenderFunc) OrchestratorOption {
	return func(o *Orchestrator) { o.renderStatus = render }
}

// Orchestrator drives completion requests end to end: context
// extraction, dispatch over the bridge, streamed event handling, tool
// round-trips, and terminal insertion into the buffer.
//
// One orchestrator exists per editor session. Each request moves
// through pending, streaming, zero or more tool round-trips, and then
// exactly one of done, error, or timed out; its bookkeeping entry is
// removed at that terminal transition and late events for the id
// become no-ops.
type Orchestrator struct {
	transport    Transport
	resolver     Resolver
	notifier     Notifier
	log          *slog.Logger
	renderStatus status.RenderFunc

	mu                sync.Mutex
	settings          *config.Settings
	extractor         *ctxwindow.Extractor
	extractorOverride bool
	active            map[string]*activeRequest
}

// activeRequest is the orchestrator-owned state of one in-flight
// request.
type activeRequest struct {
	id           string
	buf          *Buffer
	mark         *Mark
	originBlank  bool
	indent       string
	lang         ast.Language
	showThinking bool
	chunks       []string
	display      *status.Display
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewOrchestrator creates the session orchestrator.
func NewOrchestrator(settings *config.Settings, transport Transport, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		settings:     settings,
		transport:    transport,
		resolver:     tools.NewResolver("."),
		notifier:     slogNotifier{slog.Default()},
		log:          slog.Default(),
		renderStatus: func(int, string) {},
		active:       make(map[string]*activeRequest),
	}

	o.extractor = buildExtractor(settings)

	for _, opt := range opts {
		opt(o)
	}
	return o
}

func buildExtractor(settings *config.Settings) *ctxwindow.Extractor {
	var opts []ctxwindow.Option
	if settings.ExtractSymbols {
		opts = append(opts, ctxwindow.WithSymbols(ast.NewExtractor()))
	}
	return ctxwindow.NewExtractor(settings.ContextBefore, settings.ContextAfter, opts...)
}

// UpdateSettings applies re-resolved settings to subsequent requests.
// Requests already in flight keep the configuration they were
// dispatched with. Pairs with config.Watcher for live reloads.
func (o *Orchestrator) UpdateSettings(settings *config.Settings) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings = settings
	if !o.extractorOverride {
		o.extractor = buildExtractor(settings)
	}
}

// InFlight reports the number of tracked requests.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Complete dispatches a completion for the cursor position and returns
// the request id. The streamed result is applied to buf
// asynchronously; failures surface through the notifier.
//
// prompt may be nil ("infer from context alone"). filePath selects the
// language for symbol extraction and tool resolution and may be empty.
//
// Returns ErrConcurrencyLimit, without allocating anything, when the
// number of in-flight requests already equals the configured ceiling.
func (o *Orchestrator) Complete(buf *Buffer, cursorLine int, prompt *string, filePath string) (string, error) {
	originLine, ok := buf.Line(cursorLine)
	if !ok {
		return "", errors.New("cursor line out of range")
	}

	lang, _ := ast.DetectLanguage(filePath)

	o.mu.Lock()
	settings := o.settings
	extractor := o.extractor
	o.mu.Unlock()

	timeout := time.Duration(settings.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	window := extractor.Extract(ctx, buf.Lines(), cursorLine, lang)
	req := protocol.NewCompleteRequest(window.Text(), prompt, settings.ProviderConfig)

	o.mu.Lock()
	if len(o.active) >= settings.MaxConcurrentRequests {
		o.mu.Unlock()
		cancel()
		o.notifier.Warn("completion rejected: too many requests in flight")
		return "", ErrConcurrencyLimit
	}

	mark := buf.CreateMark(cursorLine)
	entry := &activeRequest{
		id:           req.RequestID,
		buf:          buf,
		mark:         mark,
		originBlank:  strings.TrimSpace(originLine) == "",
		indent:       leadingIndent(originLine),
		lang:         lang,
		showThinking: settings.ShowThinking,
		display:      status.New(mark, o.renderStatus),
		ctx:          ctx,
		cancel:       cancel,
	}
	o.active[req.RequestID] = entry
	o.mu.Unlock()

	if settings.StatusEnabled {
		entry.display.Show(statusMessage)
	}

	if err := o.transport.Send(req, func(ev protocol.Event) { o.handleEvent(req.RequestID, ev) }); err != nil {
		o.mu.Lock()
		delete(o.active, req.RequestID)
		o.mu.Unlock()
		o.release(entry)
		o.notifier.Error("completion failed: " + err.Error())
		return "", err
	}

	go o.watchTimeout(entry)

	o.log.Debug("completion dispatched",
		"request_id", req.RequestID,
		"line", cursorLine,
		"provider", settings.Provider)
	return req.RequestID, nil
}

// handleEvent processes one streamed event for a tracked request.
// Events for ids without an entry (finished, timed out) are no-ops.
func (o *Orchestrator) handleEvent(id string, ev protocol.Event) {
	o.mu.Lock()
	entry := o.active[id]
	if entry == nil {
		o.mu.Unlock()
		o.log.Debug("ignoring event for untracked request", "request_id", id, "type", ev.Type)
		return
	}

	switch ev.Type {
	case protocol.EventCompletion:
		entry.chunks = append(entry.chunks, ev.Content)
		o.mu.Unlock()

	case protocol.EventThinking:
		o.mu.Unlock()
		if entry.showThinking {
			entry.display.Update(thinkingPreview(ev.Content))
		}

	case protocol.EventToolCall:
		o.mu.Unlock()
		go o.resolveTool(entry, ev)

	case protocol.EventDone:
		delete(o.active, id)
		o.mu.Unlock()
		o.finish(entry)

	case protocol.EventError:
		delete(o.active, id)
		o.mu.Unlock()
		o.release(entry)
		o.notifier.Error("completion failed: " + ev.Message)
	}
}

// resolveTool answers one tool call and keeps the round-trip going.
func (o *Orchestrator) resolveTool(entry *activeRequest, ev protocol.Event) {
	name := ""
	if ev.ToolArgs != nil {
		name = ev.ToolArgs.FunctionName
	}

	result := o.resolver.Resolve(entry.ctx, name, entry.buf.Lines(), entry.lang)
	resp := protocol.NewToolResponse(entry.id, ev.ToolCallID, result)
	if err := o.transport.Send(resp, nil); err != nil {
		o.log.Warn("failed to send tool response", "request_id", entry.id, "error", err)
	}
}

// finish applies a completed request's text to the buffer.
func (o *Orchestrator) finish(entry *activeRequest) {
	text := strings.Join(entry.chunks, "")
	lines := prepareInsertion(text, entry.indent)
	insertCompletion(entry.buf, entry.mark, lines, entry.originBlank)
	o.release(entry)
	o.log.Debug("completion inserted", "request_id", entry.id, "lines", len(lines))
}

// watchTimeout expires the request if its deadline fires before a
// terminal event removed it.
func (o *Orchestrator) watchTimeout(entry *activeRequest) {
	<-entry.ctx.Done()
	if !errors.Is(entry.ctx.Err(), context.DeadlineExceeded) {
		return
	}

	o.mu.Lock()
	if o.active[entry.id] != entry {
		o.mu.Unlock()
		return
	}
	delete(o.active, entry.id)
	o.mu.Unlock()

	o.transport.Cancel(entry.id)
	o.release(entry)
	o.notifier.Warn("completion timed out")
	o.log.Warn("completion timed out", "request_id", entry.id)
}

// release tears down a request's transient resources. Safe to call
// once per entry on any terminal path.
func (o *Orchestrator) release(entry *activeRequest) {
	entry.display.Clear()
	entry.cancel()
	entry.mark.Release()
}

// thinkingPreview compacts thinking text for the one-line status.
func thinkingPreview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) > thinkingPreviewLen {
		content = string(runes[:thinkingPreviewLen]) + "…"
	}
	return content
}
