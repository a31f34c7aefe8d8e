// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianPilot/pkg/config"
)

// NewClient builds the streaming client for a resolved provider
// configuration. The config timeout caps each streamed turn.
func NewClient(cfg config.ProviderConfig) (StreamingClient, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	switch cfg.Provider {
	case config.ProviderAnthropic:
		return NewAnthropicClient(cfg.APIKey, cfg.Model, timeout)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg.APIKey, cfg.Model, timeout)
	case config.ProviderLocal:
		return NewLocalClient(cfg.APIKey, cfg.Model, cfg.BaseURL, timeout)
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}
