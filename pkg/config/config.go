// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config resolves AleutianPilot settings from layered sources.
//
// Resolution order, lowest to highest precedence:
//
//  1. Built-in defaults (per-provider default models included)
//  2. Settings file (~/.pilot/settings.yaml, YAML)
//  3. Environment variables (PILOT_* plus provider API key variables)
//  4. Explicit overrides (editor setup / CLI flags)
//
// The one deliberate exception: API keys prefer the environment over
// file- or override-provided values, so keys never need to live in
// editor configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Provider identifies an LLM backend.
type Provider string

const (
	// ProviderAnthropic targets the Anthropic Messages API.
	ProviderAnthropic Provider = "anthropic"

	// ProviderOpenAI targets the OpenAI Chat Completions API.
	ProviderOpenAI Provider = "openai"

	// ProviderLocal targets a local OpenAI-compatible endpoint
	// (Ollama, llama.cpp server, vLLM).
	ProviderLocal Provider = "local"
)

// ErrMissingAPIKey is returned when the resolved provider has no API key.
var ErrMissingAPIKey = errors.New("api key not found")

// ProviderConfig is the per-request provider configuration sent to the
// backend on the wire. Resolved once per request; never mutated after
// resolution.
type ProviderConfig struct {
	Provider       Provider `json:"provider" yaml:"provider" validate:"required,oneof=anthropic openai local"`
	Model          string   `json:"model" yaml:"model" validate:"required"`
	BaseURL        string   `json:"base_url,omitempty" yaml:"base_url" validate:"omitempty,url"`
	APIKey         string   `json:"api_key" yaml:"api_key"`
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gt=0"`
	MaxToolRounds  int      `json:"max_tool_rounds" yaml:"max_tool_rounds" validate:"gte=0"`
}

// Settings is the full resolved configuration for the editor-side
// engine plus the provider configuration forwarded to pilotd.
type Settings struct {
	ProviderConfig `yaml:",inline"`

	// BackendCommand is the pilotd invocation, argv style.
	BackendCommand []string `yaml:"backend_command" validate:"min=1"`

	// MaxConcurrentRequests is the in-flight request ceiling.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" validate:"gte=1"`

	// ContextBefore / ContextAfter bound the context window in lines.
	ContextBefore int `yaml:"context_before" validate:"gte=0"`
	ContextAfter  int `yaml:"context_after" validate:"gte=0"`

	// StatusEnabled toggles the animated status display.
	StatusEnabled bool `yaml:"status_enabled"`

	// ShowThinking mirrors provider thinking events into the status text.
	ShowThinking bool `yaml:"show_thinking"`

	// ExtractSymbols toggles best-effort symbol signature extraction.
	ExtractSymbols bool `yaml:"extract_symbols"`
}

// Overrides carries explicit user settings. Nil fields mean "not set";
// an explicit setting wins over the environment and the settings file.
type Overrides struct {
	Provider              *string
	Model                 *string
	BaseURL               *string
	APIKey                *string
	TimeoutSeconds        *int
	MaxToolRounds         *int
	BackendCommand        []string
	MaxConcurrentRequests *int
	ContextBefore         *int
	ContextAfter          *int
	StatusEnabled         *bool
	ShowThinking          *bool
	ExtractSymbols        *bool
}

const (
	defaultTimeoutSeconds = 30
	defaultMaxToolRounds  = 3
	defaultMaxConcurrent  = 2
	defaultContextBefore  = 50
	defaultContextAfter   = 20
	defaultLocalURL       = "http://localhost:11434/v1"
)

// defaultModel returns the default model for a provider.
func defaultModel(provider Provider) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4"
	case ProviderLocal:
		return "deepseek-coder:6.7b"
	default:
		return "claude-sonnet-4-5"
	}
}

// defaults returns the built-in base settings.
func defaults() Settings {
	return Settings{
		ProviderConfig: ProviderConfig{
			Provider:       ProviderAnthropic,
			TimeoutSeconds: defaultTimeoutSeconds,
			MaxToolRounds:  defaultMaxToolRounds,
		},
		BackendCommand:        []string{"pilotd"},
		MaxConcurrentRequests: defaultMaxConcurrent,
		ContextBefore:         defaultContextBefore,
		ContextAfter:          defaultContextAfter,
		StatusEnabled:         true,
		ShowThinking:          true,
		ExtractSymbols:        true,
	}
}

// DefaultSettingsPath returns the default settings file location
// (~/.pilot/settings.yaml), or "" if the home directory is unknown.
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pilot", "settings.yaml")
}

// Load resolves settings from defaults, the settings file at path (may
// be "" or nonexistent), the environment, and explicit overrides (may
// be nil), in that precedence order.
//
// Outputs:
//   - *Settings: The validated, fully resolved settings.
//   - error: Non-nil on unreadable file, invalid values, or a missing
//     API key for a non-local provider.
func Load(path string, ov *Overrides) (*Settings, error) {
	s := defaults()

	if path != "" {
		if err := applyFile(&s, path); err != nil {
			return nil, err
		}
	}
	applyEnv(&s)
	applyOverrides(&s, ov)

	if s.Model == "" {
		s.Model = defaultModel(s.Provider)
	}
	if s.Provider == ProviderLocal && s.BaseURL == "" {
		s.BaseURL = envOr("PILOT_LOCAL_URL", defaultLocalURL)
	}

	if err := resolveAPIKey(&s); err != nil {
		return nil, err
	}

	if err := validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// FromEnv resolves settings from defaults and the environment only.
func FromEnv() (*Settings, error) {
	return Load("", nil)
}

// applyFile merges the YAML settings file into s. A missing file is
// not an error; a malformed one is.
func applyFile(s *Settings, path string) error {
	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read settings file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}
	return nil
}

// applyEnv merges PILOT_* environment variables into s.
func applyEnv(s *Settings) {
	if v := os.Getenv("PILOT_PROVIDER"); v != "" {
		s.Provider = Provider(strings.ToLower(v))
	}
	if v := os.Getenv("PILOT_MODEL"); v != "" {
		s.Model = v
	}
	if v := os.Getenv("PILOT_BASE_URL"); v != "" {
		s.BaseURL = v
	}
	if v, ok := envInt("PILOT_TIMEOUT"); ok {
		s.TimeoutSeconds = v
	}
	if v, ok := envInt("PILOT_MAX_TOOL_ROUNDS"); ok {
		s.MaxToolRounds = v
	}
	if v, ok := envInt("PILOT_MAX_CONCURRENT_REQUESTS"); ok {
		s.MaxConcurrentRequests = v
	}
	if v, ok := envInt("PILOT_CONTEXT_BEFORE"); ok {
		s.ContextBefore = v
	}
	if v, ok := envInt("PILOT_CONTEXT_AFTER"); ok {
		s.ContextAfter = v
	}
	if v, ok := envBool("PILOT_STATUS_ENABLED"); ok {
		s.StatusEnabled = v
	}
	if v, ok := envBool("PILOT_SHOW_THINKING"); ok {
		s.ShowThinking = v
	}
	if v, ok := envBool("PILOT_EXTRACT_SYMBOLS"); ok {
		s.ExtractSymbols = v
	}
	if v := os.Getenv("PILOT_BACKEND_COMMAND"); v != "" {
		s.BackendCommand = strings.Fields(v)
	}
}

// applyOverrides merges explicit user settings into s. Explicit wins,
// except APIKey which is applied later only as a fallback.
func applyOverrides(s *Settings, ov *Overrides) {
	if ov == nil {
		return
	}
	if ov.Provider != nil {
		s.Provider = Provider(strings.ToLower(*ov.Provider))
	}
	if ov.Model != nil {
		s.Model = *ov.Model
	}
	if ov.BaseURL != nil {
		s.BaseURL = *ov.BaseURL
	}
	if ov.TimeoutSeconds != nil {
		s.TimeoutSeconds = *ov.TimeoutSeconds
	}
	if ov.MaxToolRounds != nil {
		s.MaxToolRounds = *ov.MaxToolRounds
	}
	if len(ov.BackendCommand) > 0 {
		s.BackendCommand = ov.BackendCommand
	}
	if ov.MaxConcurrentRequests != nil {
		s.MaxConcurrentRequests = *ov.MaxConcurrentRequests
	}
	if ov.ContextBefore != nil {
		s.ContextBefore = *ov.ContextBefore
	}
	if ov.ContextAfter != nil {
		s.ContextAfter = *ov.ContextAfter
	}
	if ov.StatusEnabled != nil {
		s.StatusEnabled = *ov.StatusEnabled
	}
	if ov.ShowThinking != nil {
		s.ShowThinking = *ov.ShowThinking
	}
	if ov.ExtractSymbols != nil {
		s.ExtractSymbols = *ov.ExtractSymbols
	}
	if ov.APIKey != nil && s.APIKey == "" {
		s.APIKey = *ov.APIKey
	}
}

// resolveAPIKey fills APIKey from the environment. Environment always
// wins over file- or override-provided keys, so keys never need to
// live in editor configuration.
func resolveAPIKey(s *Settings) error {
	switch s.Provider {
	case ProviderAnthropic:
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			s.APIKey = v
		}
	case ProviderOpenAI:
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			s.APIKey = v
		}
	case ProviderLocal:
		if v := os.Getenv("PILOT_LOCAL_API_KEY"); v != "" {
			s.APIKey = v
		}
		if s.APIKey == "" {
			// Local endpoints typically do not authenticate.
			s.APIKey = "none"
		}
	}

	if s.APIKey == "" {
		envVar := strings.ToUpper(string(s.Provider)) + "_API_KEY"
		return fmt.Errorf("%w for provider %q: set the %s environment variable",
			ErrMissingAPIKey, s.Provider, envVar)
	}
	return nil
}

// validate checks the resolved settings against struct tags.
func validate(s *Settings) error {
	v := validator.New()
	if err := v.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
