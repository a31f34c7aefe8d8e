// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bridge owns the long-lived pilotd subprocess: it writes
// requests to the process as one JSON line each, reads event lines
// from its stdout, and dispatches each decoded event to the callback
// registered for its request id.
//
// Malformed output lines are dropped. A dead process is detected by
// its exit; the next Send transparently respawns it and logs a notice
// instead of failing the caller.
package bridge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/AleutianAI/AleutianPilot/pkg/protocol"
)

// ErrSpawn is returned when the backend process cannot start.
var ErrSpawn = errors.New("failed to spawn backend process")

// ErrClosed is returned for operations on a closed bridge.
var ErrClosed = errors.New("bridge is closed")

// maxLineBytes bounds one event line from the backend.
const maxLineBytes = 4 * 1024 * 1024

// EventFunc receives the decoded events of one request, in arrival
// order, until a terminal event unregisters it.
type EventFunc func(protocol.Event)

// Process is one live backend instance as seen by the bridge.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Wait   func() error
	Kill   func() error
}

// Spawner starts a backend process. The default execs the configured
// command; tests substitute in-memory pipes.
type Spawner func() (*Process, error)

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithSpawner overrides how the backend process is started.
func WithSpawner(s Spawner) Option {
	return func(b *Bridge) { b.spawn = s }
}

// Bridge multiplexes completion requests over a single backend
// process.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Request lines are written
// whole under a lock, so concurrent Sends never interleave bytes.
type Bridge struct {
	spawn Spawner
	log   *slog.Logger

	mu          sync.Mutex
	proc        *Process
	alive       bool
	closed      bool
	everSpawned bool
	callbacks   map[string]EventFunc
}

// New creates a bridge that runs command (argv form) as its backend.
func New(command []string, opts ...Option) *Bridge {
	b := &Bridge{
		spawn:     execSpawner(command),
		log:       slog.Default(),
		callbacks: make(map[string]EventFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// execSpawner builds the default process launcher for an argv.
func execSpawner(command []string) Spawner {
	return func() (*Process, error) {
		if len(command) == 0 {
			return nil, fmt.Errorf("%w: empty command", ErrSpawn)
		}
		cmd := exec.Command(command[0], command[1:]...)
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}

		return &Process{
			Stdin:  stdin,
			Stdout: stdout,
			Wait:   cmd.Wait,
			Kill: func() error {
				if cmd.Process == nil {
					return nil
				}
				return cmd.Process.Kill()
			},
		}, nil
	}
}

// Open spawns the backend if it is not already running.
func (b *Bridge) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureAliveLocked()
}

// Send writes one request line. For completion requests, onEvent is
// registered under the request id and receives every event for it
// until a terminal event; pass nil for follow-up messages that reuse
// an existing registration (tool responses).
func (b *Bridge) Send(req protocol.Request, onEvent EventFunc) error {
	line, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureAliveLocked(); err != nil {
		return err
	}
	if onEvent != nil {
		b.callbacks[req.RequestID] = onEvent
	}

	if _, err := b.proc.Stdin.Write(append(line, '\n')); err != nil {
		b.alive = false
		delete(b.callbacks, req.RequestID)
		return fmt.Errorf("writing to backend: %w", err)
	}
	return nil
}

// Cancel unregisters a request's callback; subsequent events for the
// id are dropped. Used by the timeout path.
func (b *Bridge) Cancel(requestID string) {
	b.mu.Lock()
	delete(b.callbacks, requestID)
	b.mu.Unlock()
}

// Close terminates the backend process. The bridge cannot be reused.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	if b.proc != nil && b.alive {
		b.alive = false
		b.proc.Stdin.Close()
		if err := b.proc.Kill(); err != nil {
			b.log.Debug("killing backend process", "error", err)
		}
	}
	return nil
}

// ensureAliveLocked spawns (or respawns) the backend as needed.
// Callers hold b.mu.
func (b *Bridge) ensureAliveLocked() error {
	if b.closed {
		return ErrClosed
	}
	if b.alive {
		return nil
	}

	proc, err := b.spawn()
	if err != nil {
		if errors.Is(err, ErrSpawn) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	if b.everSpawned {
		b.log.Warn("backend process died; respawned")
	}
	b.everSpawned = true
	b.proc = proc
	b.alive = true

	go b.readLoop(proc)
	return nil
}

// readLoop decodes event lines from one process instance and
// dispatches them by request id. It runs until the process's stdout
// closes, then marks the bridge dead if this instance is still the
// current one.
func (b *Bridge) readLoop(proc *Process) {
	scanner := bufio.NewScanner(proc.Stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		event, err := protocol.DecodeEvent(scanner.Bytes())
		if err != nil {
			b.log.Debug("dropping malformed event line", "error", err)
			continue
		}

		b.mu.Lock()
		callback := b.callbacks[event.RequestID]
		if callback != nil && event.Terminal() {
			delete(b.callbacks, event.RequestID)
		}
		b.mu.Unlock()

		if callback == nil {
			b.log.Debug("dropping event for unknown request", "request_id", event.RequestID, "type", event.Type)
			continue
		}
		callback(event)
	}

	if proc.Wait != nil {
		if err := proc.Wait(); err != nil {
			b.log.Debug("backend process exited", "error", err)
		}
	}

	b.mu.Lock()
	if b.proc == proc && b.alive {
		b.alive = false
		if !b.closed {
			b.log.Warn("backend process exited unexpectedly")
		}
	}
	b.mu.Unlock()
}
