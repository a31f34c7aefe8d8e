// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable the resolver reads so tests are
// hermetic regardless of the developer's shell.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PILOT_PROVIDER", "PILOT_MODEL", "PILOT_BASE_URL", "PILOT_TIMEOUT",
		"PILOT_MAX_TOOL_ROUNDS", "PILOT_MAX_CONCURRENT_REQUESTS",
		"PILOT_CONTEXT_BEFORE", "PILOT_CONTEXT_AFTER", "PILOT_STATUS_ENABLED",
		"PILOT_SHOW_THINKING", "PILOT_EXTRACT_SYMBOLS", "PILOT_BACKEND_COMMAND",
		"PILOT_LOCAL_URL", "PILOT_LOCAL_API_KEY",
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PILOT_PROVIDER", "anthropic")
	t.Setenv("PILOT_MODEL", "claude-sonnet-4-5")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-key")

	settings, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() failed: %v", err)
	}

	if settings.Provider != ProviderAnthropic {
		t.Errorf("provider = %v, want anthropic", settings.Provider)
	}
	if settings.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %v, want claude-sonnet-4-5", settings.Model)
	}
	if settings.APIKey != "sk-test-key" {
		t.Errorf("api key = %v, want sk-test-key", settings.APIKey)
	}
	if settings.TimeoutSeconds != 30 {
		t.Errorf("timeout = %v, want default 30", settings.TimeoutSeconds)
	}
	if settings.MaxToolRounds != 3 {
		t.Errorf("max tool rounds = %v, want default 3", settings.MaxToolRounds)
	}
}

func TestLoad_MissingAPIKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("PILOT_PROVIDER", "openai")

	_, err := FromEnv()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	// The error should name the variable the user has to set.
	if got := err.Error(); !strings.Contains(got, "OPENAI_API_KEY") {
		t.Errorf("error should mention OPENAI_API_KEY: %s", got)
	}
}

func TestLoad_DefaultModels(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"anthropic", "claude-sonnet-4-5"},
		{"openai", "gpt-4"},
		{"local", "deepseek-coder:6.7b"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("PILOT_PROVIDER", tt.provider)
			t.Setenv("ANTHROPIC_API_KEY", "k")
			t.Setenv("OPENAI_API_KEY", "k")

			settings, err := FromEnv()
			if err != nil {
				t.Fatalf("FromEnv() failed: %v", err)
			}
			if settings.Model != tt.want {
				t.Errorf("model = %v, want %v", settings.Model, tt.want)
			}
		})
	}
}

func TestLoad_LocalDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PILOT_PROVIDER", "local")

	settings, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() failed: %v", err)
	}
	if settings.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("base url = %v, want ollama default", settings.BaseURL)
	}
	if settings.APIKey != "none" {
		t.Errorf("api key = %v, want sentinel \"none\"", settings.APIKey)
	}
}

func TestLoad_InvalidProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("PILOT_PROVIDER", "bedrock")
	t.Setenv("ANTHROPIC_API_KEY", "k")

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected validation error for unknown provider")
	}
}

func TestLoad_OverridesWinOverEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PILOT_PROVIDER", "anthropic")
	t.Setenv("PILOT_MODEL", "claude-sonnet-4-5")
	t.Setenv("PILOT_TIMEOUT", "30")
	t.Setenv("ANTHROPIC_API_KEY", "env-key")

	model := "claude-opus-4-1"
	timeout := 90
	settings, err := Load("", &Overrides{Model: &model, TimeoutSeconds: &timeout})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if settings.Model != "claude-opus-4-1" {
		t.Errorf("explicit model should win, got %v", settings.Model)
	}
	if settings.TimeoutSeconds != 90 {
		t.Errorf("explicit timeout should win, got %v", settings.TimeoutSeconds)
	}
}

func TestLoad_APIKeyPrefersEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PILOT_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "env-key")

	override := "override-key"
	settings, err := Load("", &Overrides{APIKey: &override})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if settings.APIKey != "env-key" {
		t.Errorf("environment key should win over explicit, got %v", settings.APIKey)
	}
}

func TestLoad_APIKeyOverrideFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("PILOT_PROVIDER", "anthropic")

	override := "override-key"
	settings, err := Load("", &Overrides{APIKey: &override})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if settings.APIKey != "override-key" {
		t.Errorf("explicit key should be used when env is unset, got %v", settings.APIKey)
	}
}

func TestLoad_SettingsFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "k")

	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
provider: anthropic
model: claude-opus-4-1
max_concurrent_requests: 5
context_before: 80
context_after: 10
show_thinking: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	settings, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if settings.Model != "claude-opus-4-1" {
		t.Errorf("model from file = %v", settings.Model)
	}
	if settings.MaxConcurrentRequests != 5 {
		t.Errorf("ceiling from file = %v", settings.MaxConcurrentRequests)
	}
	if settings.ContextBefore != 80 || settings.ContextAfter != 10 {
		t.Errorf("window from file = %v/%v", settings.ContextBefore, settings.ContextAfter)
	}
	if settings.ShowThinking {
		t.Error("show_thinking=false from file should apply")
	}
	// Fields absent from the file keep their defaults.
	if settings.TimeoutSeconds != 30 {
		t.Errorf("timeout should default, got %v", settings.TimeoutSeconds)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "k")
	t.Setenv("PILOT_MODEL", "claude-sonnet-4-5")

	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("model: claude-opus-4-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	settings, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if settings.Model != "claude-sonnet-4-5" {
		t.Errorf("env should win over file, got %v", settings.Model)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "k")

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil); err != nil {
		t.Fatalf("missing settings file should not fail: %v", err)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "k")

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("model: claude-sonnet-4-5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Settings, 1)
	w, err := NewWatcher(path, nil, func(s *Settings) {
		select {
		case reloaded <- s:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("model: claude-opus-4-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-reloaded:
		if s.Model != "claude-opus-4-1" {
			t.Errorf("reloaded model = %v", s.Model)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for settings reload")
	}
}
