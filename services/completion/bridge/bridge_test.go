// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bridge

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPilot/pkg/config"
	"github.com/AleutianAI/AleutianPilot/pkg/protocol"
)

// fakeBackend is an in-memory process: the test reads the request
// lines the bridge writes and feeds event lines back.
type fakeBackend struct {
	proc *Process

	stdout *io.PipeWriter

	mu       sync.Mutex
	requests []protocol.Request
}

func newFakeBackend() *fakeBackend {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	f := &fakeBackend{stdout: stdoutW}
	f.proc = &Process{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Wait:   func() error { return nil },
		Kill: func() error {
			stdoutW.Close()
			return nil
		},
	}

	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			req, err := protocol.DecodeRequest(scanner.Bytes())
			if err != nil {
				continue
			}
			f.mu.Lock()
			f.requests = append(f.requests, req)
			f.mu.Unlock()
		}
	}()
	return f
}

// emit writes one event line to the bridge's reader.
func (f *fakeBackend) emit(t *testing.T, e protocol.Event) {
	t.Helper()
	line, err := protocol.EncodeEvent(e)
	require.NoError(t, err)
	_, err = f.stdout.Write(append(line, '\n'))
	require.NoError(t, err)
}

// emitRaw writes an arbitrary line, for malformed-input tests.
func (f *fakeBackend) emitRaw(t *testing.T, line string) {
	t.Helper()
	_, err := f.stdout.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

// die closes the fake process's stdout, as a crashed backend would.
func (f *fakeBackend) die() { f.stdout.Close() }

func (f *fakeBackend) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// collector gathers dispatched events for one request.
type collector struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *collector) onEvent(e protocol.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []protocol.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(c.snapshot()))
	return nil
}

func testConfig() config.ProviderConfig {
	return config.ProviderConfig{
		Provider:       config.ProviderAnthropic,
		Model:          "claude-test",
		APIKey:         "k",
		TimeoutSeconds: 30,
		MaxToolRounds:  3,
	}
}

func TestSend_DispatchesByRequestID(t *testing.T) {
	fakes := []*fakeBackend{newFakeBackend()}
	b := New(nil, WithSpawner(func() (*Process, error) {
		return fakes[0].proc, nil
	}))
	defer b.Close()

	var first, second collector
	req1 := protocol.NewCompleteRequest("ctx one", nil, testConfig())
	req2 := protocol.NewCompleteRequest("ctx two", nil, testConfig())
	require.NoError(t, b.Send(req1, first.onEvent))
	require.NoError(t, b.Send(req2, second.onEvent))

	fakes[0].emit(t, protocol.Completion(req1.RequestID, "only for one"))
	fakes[0].emit(t, protocol.Done(req2.RequestID))

	got := first.waitFor(t, 1)
	assert.Equal(t, "only for one", got[0].Content)

	got = second.waitFor(t, 1)
	assert.Equal(t, protocol.EventDone, got[0].Type)
	// No cross-delivery.
	assert.Len(t, first.snapshot(), 1)
}

func TestSend_TerminalEventUnregisters(t *testing.T) {
	fake := newFakeBackend()
	b := New(nil, WithSpawner(func() (*Process, error) { return fake.proc, nil }))
	defer b.Close()

	var c collector
	req := protocol.NewCompleteRequest("ctx", nil, testConfig())
	require.NoError(t, b.Send(req, c.onEvent))

	fake.emit(t, protocol.Done(req.RequestID))
	c.waitFor(t, 1)

	// Late events for a finished request are dropped.
	fake.emit(t, protocol.Completion(req.RequestID, "late"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1)
}

func TestReadLoop_DropsMalformedLines(t *testing.T) {
	fake := newFakeBackend()
	b := New(nil, WithSpawner(func() (*Process, error) { return fake.proc, nil }))
	defer b.Close()

	var c collector
	req := protocol.NewCompleteRequest("ctx", nil, testConfig())
	require.NoError(t, b.Send(req, c.onEvent))

	fake.emitRaw(t, "garbage not json")
	fake.emitRaw(t, `{"type":"mystery","request_id":"`+req.RequestID+`"}`)
	fake.emit(t, protocol.Completion(req.RequestID, "good"))

	got := c.waitFor(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].Content)
}

func TestCancel_DropsSubsequentEvents(t *testing.T) {
	fake := newFakeBackend()
	b := New(nil, WithSpawner(func() (*Process, error) { return fake.proc, nil }))
	defer b.Close()

	var c collector
	req := protocol.NewCompleteRequest("ctx", nil, testConfig())
	require.NoError(t, b.Send(req, c.onEvent))

	b.Cancel(req.RequestID)
	fake.emit(t, protocol.Completion(req.RequestID, "after cancel"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestSend_RespawnsDeadBackend(t *testing.T) {
	var spawns int
	var fakes []*fakeBackend
	b := New(nil, WithSpawner(func() (*Process, error) {
		spawns++
		f := newFakeBackend()
		fakes = append(fakes, f)
		return f.proc, nil
	}))
	defer b.Close()

	req := protocol.NewCompleteRequest("ctx", nil, testConfig())
	require.NoError(t, b.Send(req, func(protocol.Event) {}))
	require.Equal(t, 1, spawns)

	fakes[0].die()

	// The bridge notices the death asynchronously; the next Send must
	// then respawn instead of failing.
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return !b.alive
	}, 5*time.Second, time.Millisecond, "bridge never noticed the dead backend")

	req2 := protocol.NewCompleteRequest("ctx again", nil, testConfig())
	require.NoError(t, b.Send(req2, func(protocol.Event) {}))
	assert.Equal(t, 2, spawns)

	require.Eventually(t, func() bool {
		return fakes[1].requestCount() == 1
	}, 5*time.Second, time.Millisecond)
}

func TestOpen_SpawnFailure(t *testing.T) {
	b := New(nil, WithSpawner(func() (*Process, error) {
		return nil, errors.New("no such binary")
	}))
	err := b.Open()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestSend_AfterCloseFails(t *testing.T) {
	fake := newFakeBackend()
	b := New(nil, WithSpawner(func() (*Process, error) { return fake.proc, nil }))
	require.NoError(t, b.Open())
	require.NoError(t, b.Close())

	req := protocol.NewCompleteRequest("ctx", nil, testConfig())
	err := b.Send(req, func(protocol.Event) {})
	assert.ErrorIs(t, err, ErrClosed)
}
